package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/oriys/quasar/internal/cache"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/dispatcher"
	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/remote"
	"github.com/oriys/quasar/internal/wire"
)

// jobFile is the YAML document read by "quasar run". All jobs share one
// view, calculation configuration and cycle.
type jobFile struct {
	View   string            `yaml:"view"`
	Config string            `yaml:"config"`
	Cycle  int64             `yaml:"cycle"`
	Values map[string]string `yaml:"values"`
	Jobs   []jobDef          `yaml:"jobs"`
	// Print lists values shown after the run.
	Print []string `yaml:"print"`
}

type jobDef struct {
	ID       int64            `yaml:"id"`
	Policy   string           `yaml:"policy"`
	Requires []string         `yaml:"requires"`
	Items    []domain.JobItem `yaml:"items"`
}

func loadJobFile(path string) (*jobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f jobFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if f.View == "" {
		f.View = "default"
	}
	if len(f.Jobs) == 0 {
		return nil, fmt.Errorf("%s: no jobs", path)
	}
	return &f, nil
}

func (f *jobFile) spec(id int64) domain.JobSpecification {
	return domain.JobSpecification{ViewName: f.View, CalcConfig: f.Config, CycleID: f.Cycle, JobID: id}
}

// build turns the definitions into jobs. Jobs without an id are numbered
// by position.
func (f *jobFile) build() ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, len(f.Jobs))
	seen := make(map[int64]bool)
	for i, def := range f.Jobs {
		id := def.ID
		if id == 0 {
			id = int64(i + 1)
		}
		if seen[id] {
			return nil, fmt.Errorf("job %d defined twice", id)
		}
		seen[id] = true
		job, err := domain.NewJob(f.spec(id), def.Items, domain.CachePolicy(def.Policy), def.Requires...)
		if err != nil {
			return nil, fmt.Errorf("job %d: %w", id, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// runJobs seeds the values, dispatches every job and waits for all
// results, which are returned ordered by job id.
func runJobs(ctx context.Context, d *dispatcher.Dispatcher, store *cache.ValueStore, f *jobFile) ([]*domain.JobResult, error) {
	jobs, err := f.build()
	if err != nil {
		return nil, err
	}
	values := store.Cache(f.spec(0))
	for id, v := range f.Values {
		if err := values.Put(ctx, domain.ValueID(id), []byte(v), domain.CacheShared); err != nil {
			return nil, fmt.Errorf("seed %s: %w", id, err)
		}
	}

	ch := make(chan *domain.JobResult, len(jobs))
	for _, job := range jobs {
		if err := d.Dispatch(job, dispatcher.ResultFunc(func(r *domain.JobResult) { ch <- r })); err != nil {
			return nil, err
		}
	}

	results := make([]*domain.JobResult, 0, len(jobs))
	for len(results) < len(jobs) {
		select {
		case r := <-ch:
			results = append(results, r)
		case <-ctx.Done():
			return results, fmt.Errorf("%d of %d jobs finished: %w", len(results), len(jobs), ctx.Err())
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Spec.JobID < results[j].Spec.JobID })
	return results, nil
}

func printResults(w io.Writer, results []*domain.JobResult) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tNODE\tDURATION\tITEMS\tOUTCOME")
	for _, r := range results {
		counts := r.Counts()
		statuses := make([]domain.ItemStatus, 0, len(counts))
		for s := range counts {
			statuses = append(statuses, s)
		}
		sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
		parts := make([]string, 0, len(statuses))
		for _, s := range statuses {
			parts = append(parts, fmt.Sprintf("%s=%d", s, counts[s]))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
			r.Spec, r.NodeID, r.Duration.Round(time.Microsecond), len(r.Items), strings.Join(parts, " "))
	}
	tw.Flush()

	for _, r := range results {
		for _, item := range r.Items {
			if item.Failure != nil {
				fmt.Fprintf(w, "  %s %s: %s\n", r.Spec, item.Item, item.Failure.Error())
			}
			if len(item.MissingInputs) > 0 {
				fmt.Fprintf(w, "  %s %s: missing inputs %v\n", r.Spec, item.Item, item.MissingInputs)
			}
		}
	}
}

func printValues(ctx context.Context, w io.Writer, store *cache.ValueStore, f *jobFile) {
	if len(f.Print) == 0 {
		return
	}
	values := store.Cache(f.spec(0))
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VALUE\tCONTENT")
	for _, id := range f.Print {
		v, err := values.Get(ctx, domain.ValueID(id))
		switch {
		case errors.Is(err, cache.ErrNotFound):
			fmt.Fprintf(tw, "%s\t<missing>\n", id)
		case err != nil:
			fmt.Fprintf(tw, "%s\t<error: %v>\n", id, err)
		default:
			fmt.Fprintf(tw, "%s\t%s\n", id, truncate(string(v), 60))
		}
	}
	tw.Flush()
}

// truncate shortens s to at most maxLen runes.
func truncate(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	r := []rune(s)
	return string(r[:max(maxLen-3, 0)]) + "..."
}

func runCmd() *cobra.Command {
	var (
		file         string
		nodes        int
		acceptRemote bool
		timeout      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the jobs of a YAML file and print their results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, func(c *config.Config) {
				if cmd.Flags().Changed("nodes") {
					c.Node.Count = nodes
				}
			})
			if err != nil {
				return err
			}
			f, err := loadJobFile(file)
			if err != nil {
				return err
			}
			if cfg.Node.Count < 1 && !acceptRemote {
				return errors.New("run needs local nodes or --remote")
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			flush, err := initObservability(ctx, cfg.Observability)
			if err != nil {
				return err
			}
			defer flush()

			store, closeStore, err := openValueStore(ctx, cfg.Cache)
			if err != nil {
				return err
			}
			defer closeStore()

			logging.Default().SetConsole(nil)
			d := dispatcher.New(cfg.Dispatcher)
			defer shutdownDispatcher(d, 5*time.Second)

			if cfg.Node.Count > 0 {
				local := newLocalInvoker(cfg.Node, cfg.Node.Count, store)
				defer local.Close()
				if err := d.RegisterInvoker(local); err != nil {
					return err
				}
			}
			if acceptRemote {
				wc, err := wire.GetCodec(cfg.Remote.Codec)
				if err != nil {
					return err
				}
				ln, err := wire.Listen(cfg.Remote.ListenAddr)
				if err != nil {
					return err
				}
				srv := remote.NewServer(d, wc,
					remote.WithHandshakeTimeout(cfg.Remote.HandshakeTimeout),
					remote.WithNodeWriteTimeout(cfg.Remote.WriteTimeout))
				defer srv.Close()
				go srv.Serve(ln)
			}

			start := time.Now()
			results, err := runJobs(ctx, d, store, f)
			printResults(cmd.OutOrStdout(), results)
			if err != nil {
				return err
			}
			printValues(ctx, cmd.OutOrStdout(), store, f)
			fmt.Fprintf(cmd.OutOrStdout(), "\n%d jobs in %s\n", len(results), time.Since(start).Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Job file (YAML)")
	cmd.Flags().IntVar(&nodes, "nodes", 2, "Number of local nodes")
	cmd.Flags().BoolVar(&acceptRemote, "remote", false, "Also accept remote nodes on the configured listen address")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "Time limit for the whole run")
	cmd.MarkFlagRequired("file")
	return cmd
}
