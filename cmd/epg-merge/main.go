// Command epg-merge: one-run EPG merge service (run), or merge / sources / mount / clean separately.
//
//	run      Serve the HTTP API, job events and scheduled merges. For systemd. Zero interaction after .env.
//	merge    One-shot merge using stored settings; -save promotes the output to current
//	sources  List the feeds the share publishes for a timeframe and feed type
//	mount    Mount the read-only guide filesystem (current file + archives/)
//	clean    Delete leftover merge outputs from the tmp dir
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/snapetech/epgmerge/internal/app"
	"github.com/snapetech/epgmerge/internal/config"
	"github.com/snapetech/epgmerge/internal/epgfs"
	"github.com/snapetech/epgmerge/internal/merge"
	"github.com/snapetech/epgmerge/internal/server"
)

func main() {
	_ = config.LoadEnvFile(".env")
	log.SetFlags(log.LstdFlags)
	log.SetPrefix("[epg-merge] ")

	runCmd := flag.NewFlagSet("run", flag.ExitOnError)
	runAddr := runCmd.String("addr", "", "Listen address (default: EPG_MERGE_ADDR or :8675)")
	runMount := runCmd.String("mount", "", "Guide filesystem mountpoint (default: EPG_MERGE_MOUNT; empty = no mount)")

	mergeCmd := flag.NewFlagSet("merge", flag.ExitOnError)
	mergeSources := mergeCmd.String("sources", "", "Comma-separated feed filenames (default: stored selection)")
	mergeTimeframe := mergeCmd.Int("timeframe", 0, "Guide days: 3, 7 or 14 (default: stored setting)")
	mergeFeedType := mergeCmd.String("feed-type", "", "iptv or gracenote (default: stored setting)")
	mergeOutput := mergeCmd.String("output", "", "Output filename (default: stored setting)")
	mergeSave := mergeCmd.Bool("save", false, "Promote the merged file to current and archive the previous one")

	sourcesCmd := flag.NewFlagSet("sources", flag.ExitOnError)
	sourcesTimeframe := sourcesCmd.Int("timeframe", 0, "Guide days: 3, 7 or 14 (default: stored setting)")
	sourcesFeedType := sourcesCmd.String("feed-type", "", "iptv or gracenote (default: stored setting)")

	mountCmd := flag.NewFlagSet("mount", flag.ExitOnError)
	mountPoint := mountCmd.String("mount", "", "Mount point (default: EPG_MERGE_MOUNT)")

	cleanCmd := flag.NewFlagSet("clean", flag.ExitOnError)

	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s <run|merge|sources|mount|clean> [flags]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  run      Serve the HTTP API and run scheduled merges (for systemd)\n")
		fmt.Fprintf(os.Stderr, "  merge    One-shot merge to the tmp dir (use -save to promote)\n")
		fmt.Fprintf(os.Stderr, "  sources  List upstream feeds for -timeframe/-feed-type\n")
		fmt.Fprintf(os.Stderr, "  mount    Mount the read-only guide filesystem\n")
		fmt.Fprintf(os.Stderr, "  clean    Delete leftover files from the tmp dir\n")
		os.Exit(1)
	}

	cfg := config.Load()

	switch os.Args[1] {
	case "run":
		_ = runCmd.Parse(os.Args[2:])
		if *runAddr != "" {
			cfg.Addr = *runAddr
		}
		mp := *runMount
		if mp == "" {
			mp = cfg.MountPoint
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(cfg)
		if err != nil {
			log.Printf("Startup failed: %v", err)
			os.Exit(1)
		}
		defer a.Close()
		srv := server.New(a, cfg)
		defer srv.Close()

		go func() {
			if err := a.Sched.Run(ctx); err != nil {
				log.Printf("Scheduler stopped: %v", err)
			}
		}()

		if mp != "" {
			guide, err := epgfs.Mount(mp, a.GuideFS())
			if err != nil {
				log.Printf("Guide mount failed: %v", err)
			} else {
				log.Printf("Guide filesystem mounted at %s", mp)
				go func() {
					<-ctx.Done()
					if err := guide.Unmount(); err != nil {
						log.Printf("Unmount %s: %v", mp, err)
					}
				}()
			}
		}

		if err := srv.Run(ctx); err != nil {
			log.Printf("Serve failed: %v", err)
			os.Exit(1)
		}

	case "merge":
		_ = mergeCmd.Parse(os.Args[2:])
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(cfg)
		if err != nil {
			log.Printf("Startup failed: %v", err)
			os.Exit(1)
		}
		defer a.Close()

		var sources []string
		for _, part := range strings.Split(*mergeSources, ",") {
			if part = strings.TrimSpace(part); part != "" {
				sources = append(sources, part)
			}
		}

		log.Print("Merging ...")
		report, err := a.MergeExecute(ctx, sources, nil, *mergeTimeframe, *mergeFeedType, *mergeOutput)
		if err != nil {
			log.Printf("Merge failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Merged %d channels, %d programs (%s, %d days, %.1fs, peak %.1fMB)",
			report.ChannelsIncluded, report.ProgramsIncluded, report.FileSizeHuman,
			report.DaysIncluded, report.ExecutionTimeSeconds, report.PeakMemoryMB)

		if *mergeSave {
			arch, err := a.MergeSave(report.ChannelsIncluded, report.ProgramsIncluded, report.DaysIncluded)
			if err != nil {
				log.Printf("Promote failed: %v", err)
				os.Exit(1)
			}
			log.Printf("Promoted %s to current (%d bytes)", arch.Filename, arch.SizeBytes)
		} else {
			log.Print("Output left in the tmp dir; rerun with -save to promote it")
		}

	case "sources":
		_ = sourcesCmd.Parse(os.Args[2:])
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(cfg)
		if err != nil {
			log.Printf("Startup failed: %v", err)
			os.Exit(1)
		}
		defer a.Close()

		sources, err := a.ListSources(ctx, *sourcesTimeframe, *sourcesFeedType)
		if err != nil {
			log.Printf("List sources failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Found %d source(s):", len(sources))
		for _, src := range sources {
			size := "-"
			if src.Size > 0 {
				size = merge.HumanSize(src.Size)
			}
			modified := "-"
			if !src.Modified.IsZero() {
				modified = src.Modified.Format("2006-01-02 15:04")
			}
			log.Printf("  %-44s %10s  %s", src.Filename, size, modified)
		}

	case "mount":
		_ = mountCmd.Parse(os.Args[2:])
		mp := *mountPoint
		if mp == "" {
			mp = cfg.MountPoint
		}
		if mp == "" {
			log.Print("Set -mount or EPG_MERGE_MOUNT to a mount point")
			os.Exit(1)
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := app.New(cfg)
		if err != nil {
			log.Printf("Startup failed: %v", err)
			os.Exit(1)
		}
		defer a.Close()

		guide, err := epgfs.Mount(mp, a.GuideFS())
		if err != nil {
			log.Printf("Mount failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Guide filesystem mounted at %s (Ctrl-C to unmount)", mp)
		<-ctx.Done()
		if err := guide.Unmount(); err != nil {
			log.Printf("Unmount %s: %v", mp, err)
			os.Exit(1)
		}
		guide.Wait()

	case "clean":
		_ = cleanCmd.Parse(os.Args[2:])
		a, err := app.New(cfg)
		if err != nil {
			log.Printf("Startup failed: %v", err)
			os.Exit(1)
		}
		defer a.Close()

		deleted, freedMB, err := a.MergeClearTemp()
		if err != nil {
			log.Printf("Clean failed: %v", err)
			os.Exit(1)
		}
		log.Printf("Deleted %d temp file(s), freed %.1fMB", deleted, freedMB)

	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q\n", os.Args[1])
		os.Exit(1)
	}
}
