package scrub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/endorses/scrubcat/internal/pkg/cmdutil"
	"github.com/endorses/scrubcat/internal/pkg/conntrack"
	"github.com/endorses/scrubcat/internal/pkg/fragment"
	"github.com/endorses/scrubcat/internal/pkg/logger"
	"github.com/endorses/scrubcat/internal/pkg/pcapscrub"
	"github.com/endorses/scrubcat/internal/pkg/policy"
	"github.com/endorses/scrubcat/internal/pkg/scrub"
	"github.com/endorses/scrubcat/internal/pkg/signals"
)

var ScrubCmd = &cobra.Command{
	Use:   "scrub",
	Short: "Normalize a packet capture",
	Long: `Read a pcap or pcapng capture, reassemble fragmented datagrams,
normalize IP, TCP and SCTP headers and write the packets that pass to a new
pcap file. Rules from the config file decide which packets are scrubbed.

Example:
  scrubcat scrub -r in.pcap -w out.pcap
  scrubcat scrub -r in.pcap -w out.pcap --refragment --report -
  tcpdump -w - | scrubcat scrub -r - -w clean.pcap`,
	RunE: runScrub,
}

var (
	readFile   string
	writeFile  string
	refragment bool
	reportFile string
)

func init() {
	ScrubCmd.Flags().StringVarP(&readFile, "read-file", "r", "", "Input capture (\"-\" for stdin)")
	ScrubCmd.Flags().StringVarP(&writeFile, "write-file", "w", "", "Output pcap (\"-\" for stdout)")
	ScrubCmd.Flags().BoolVar(&refragment, "refragment", false, "Fragment reassembled IPv6 packets again the way they arrived")
	ScrubCmd.Flags().StringVar(&reportFile, "report", "", "Write a YAML run report to this file (\"-\" for stdout)")

	_ = viper.BindPFlag("scrub.read_file", ScrubCmd.Flags().Lookup("read-file"))
	_ = viper.BindPFlag("scrub.write_file", ScrubCmd.Flags().Lookup("write-file"))
	_ = viper.BindPFlag("scrub.refragment", ScrubCmd.Flags().Lookup("refragment"))
	_ = viper.BindPFlag("scrub.report", ScrubCmd.Flags().Lookup("report"))
}

// defaultActions reads the bundle applied to packets no rule matches.
func defaultActions() scrub.Actions {
	return scrub.Actions{
		Reassemble: viper.GetBool("scrub.default.reassemble"),
		NoDF:       viper.GetBool("scrub.default.no_df"),
		MinTTL:     uint8(viper.GetUint("scrub.default.min_ttl")),
		MaxMSS:     uint16(viper.GetUint("scrub.default.max_mss")),
		RandomID:   viper.GetBool("scrub.default.random_id"),
		SetTOS:     viper.GetBool("scrub.default.set_tos"),
		TOS:        uint8(viper.GetUint("scrub.default.tos")),
	}
}

func buildProcessor() (*pcapscrub.Processor, error) {
	fragTimeout := cmdutil.GetDurationConfig("fragment.timeout", 0)
	if err := cmdutil.RequirePositive("fragment.timeout", fragTimeout); err != nil {
		return nil, err
	}

	cache := fragment.New(fragment.Config{
		MaxEntries:         cmdutil.GetIntConfig("fragment.max_entries", 0),
		MaxQueues:          cmdutil.GetIntConfig("fragment.max_queues", 0),
		EntryLimit:         cmdutil.GetIntConfig("fragment.entry_limit", 0),
		DiscardIPv6Overlap: cmdutil.GetBoolConfig("fragment.ipv6_overlap_discard", true),
	})

	engine := scrub.New(scrub.Config{
		Default:     defaultActions(),
		TSFudge:     cmdutil.GetDurationConfig("scrub.ts_fudge", 0),
		PAWSMaxIdle: cmdutil.GetDurationConfig("scrub.paws_max_idle", 0),
		PAWSMaxConn: cmdutil.GetDurationConfig("scrub.paws_max_conn", 0),
	}, cache, scrub.WithMultihomeScanner(scrub.AddressScanner{}))

	rules, err := policy.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	conns := conntrack.New(conntrack.Config{
		IdleTimeout: cmdutil.GetDurationConfig("conntrack.idle_timeout", 0),
		SweepEvery:  cmdutil.GetIntConfig("conntrack.sweep_every", 0),
	})

	cfg := pcapscrub.Config{
		Refragment:      cmdutil.GetBoolConfig("scrub.refragment", refragment),
		FragmentTimeout: fragTimeout,
		PurgeInterval:   cmdutil.GetDurationConfig("fragment.purge_interval", 0),
		WallClockPurge:  cmdutil.GetBoolConfig("fragment.wall_clock_purge", false),
	}
	proc := pcapscrub.New(cfg, engine,
		pcapscrub.WithClassifier(rules),
		pcapscrub.WithConnTable(conns))

	logger.Debug("Scrub configuration",
		"rules", rules.Len(),
		"default", fmt.Sprintf("%+v", defaultActions()),
		"fragment_timeout", fragTimeout,
		"refragment", cfg.Refragment)

	return proc, nil
}

func runScrub(cmd *cobra.Command, args []string) error {
	input := cmdutil.GetStringConfig("scrub.read_file", readFile)
	output := cmdutil.GetStringConfig("scrub.write_file", writeFile)
	report := cmdutil.GetStringConfig("scrub.report", reportFile)

	if input == "" {
		return fmt.Errorf("no input capture given (use -r)")
	}
	if output == "" {
		return fmt.Errorf("no output file given (use -w)")
	}
	if report == "-" && output == "-" {
		return fmt.Errorf("report and capture cannot both go to stdout")
	}

	proc, err := buildProcessor()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	cleanup := signals.SetupHandler(ctx, cancel, func() { os.Exit(130) })
	defer cleanup()

	started := time.Now()
	runErr := proc.ScrubFile(ctx, input, output)
	if errors.Is(runErr, context.Canceled) {
		logger.Warn("Interrupted, output holds the packets scrubbed so far", "run_id", proc.RunID().String())
		runErr = nil
	}

	if report != "" {
		if err := writeReport(cmd.OutOrStdout(), report, proc.Report(input, output, started, time.Since(started))); err != nil && runErr == nil {
			runErr = err
		}
	}
	return runErr
}

func writeReport(stdout io.Writer, path string, r pcapscrub.Report) error {
	if path == "-" {
		return r.WriteYAML(stdout)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report: %w", err)
	}
	if err := r.WriteYAML(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
