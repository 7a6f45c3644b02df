package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"

	"github.com/popdyn/lvfit/internal/config"
	"github.com/popdyn/lvfit/internal/dataset"
	"github.com/popdyn/lvfit/internal/fitting"
	"github.com/popdyn/lvfit/internal/logging"
	"github.com/popdyn/lvfit/internal/server"
)

var (
	inputPath  string
	timeCol    string
	valueCol   string
	groupCols  []string
	outParams  string
	outFit     string
	workers    int
	maxIter    int
	plotFits   bool
	plotHeight int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "lvfit",
		Short: "logistic growth-curve fitting for grouped population data",
	}

	fitCmd := &cobra.Command{
		Use:   "fit",
		Short: "fit a logistic growth model per group of a CSV table",
		RunE:  runFit,
	}
	fitCmd.Flags().StringVar(&inputPath, "input", "", "input CSV file (required)")
	fitCmd.Flags().StringVar(&timeCol, "time-col", "time", "time column name")
	fitCmd.Flags().StringVar(&valueCol, "value-col", "x", "population column name")
	fitCmd.Flags().StringSliceVar(&groupCols, "group-cols", nil, "categorical key columns, e.g. strain,treatment")
	fitCmd.Flags().StringVar(&outParams, "out-params", "", "write parameter estimates to this CSV file")
	fitCmd.Flags().StringVar(&outFit, "out-fit", "", "write fitted trajectories to this CSV file")
	fitCmd.Flags().IntVar(&workers, "workers", 4, "parallel fits")
	fitCmd.Flags().IntVar(&maxIter, "max-iter", 200, "optimizer iteration cap")
	fitCmd.Flags().BoolVar(&plotFits, "plot", false, "print a terminal plot per group")
	fitCmd.Flags().IntVar(&plotHeight, "plot-height", 10, "terminal plot height")
	fitCmd.MarkFlagRequired("input")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the fitting HTTP service",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "listen port (overrides HTTP_PORT)")

	rootCmd.AddCommand(fitCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runFit(cmd *cobra.Command, args []string) error {
	f, err := os.Open(inputPath)
	if err != nil {
		return err
	}
	defer f.Close()

	groups, err := dataset.ReadGroups(f, timeCol, valueCol, groupCols)
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	fitCfg := server.FittingConfig(cfg)
	fitCfg.MaxIterations = maxIter

	logger, err := logging.NewLogger(&logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}

	pipeline := fitting.NewPipelineWithLogger(fitCfg, logging.NewZapLogger(logger))
	results := pipeline.FitGroups(context.Background(), groups.Series, workers)

	printSummary(results)

	if plotFits {
		for _, gr := range results {
			if gr.Result != nil {
				plotGroup(gr.Group, gr.Result)
			}
		}
	}

	if outFit != "" {
		if err := writeTrajectories(outFit, results); err != nil {
			return err
		}
	}
	if outParams != "" {
		if err := writeEstimates(outParams, results); err != nil {
			return err
		}
	}

	for _, gr := range results {
		if gr.Err != nil {
			// Partial failure: report via exit code but keep the outputs
			// for the groups that fitted.
			return fmt.Errorf("%d of %d groups failed; first failure: %s: %v",
				countFailures(results), len(results), gr.Group, gr.Err)
		}
	}
	return nil
}

func countFailures(results []fitting.GroupResult) int {
	n := 0
	for _, gr := range results {
		if gr.Err != nil {
			n++
		}
	}
	return n
}

func printSummary(results []fitting.GroupResult) {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "group\tstatus\tmu\tA\tsigma\tloglik\tAIC\tconverged")
	for _, gr := range results {
		if gr.Err != nil {
			fmt.Fprintf(tw, "%s\tfailed (%s)\t-\t-\t-\t-\t-\t-\n", gr.Group, gr.Kind)
			continue
		}
		r := gr.Result
		fmt.Fprintf(tw, "%s\tok\t%.6g±%.2g\t%.6g±%.2g\t%.4g\t%.4f\t%.4f\t%v\n",
			gr.Group,
			r.Params.Mu, r.StdErrs.Mu,
			r.Params.A, r.StdErrs.A,
			r.Sigma, r.LogLikelihood, r.AIC, r.Converged)
	}
	tw.Flush()
}

func plotGroup(group string, r *fitting.FitResult) {
	caption := fmt.Sprintf("%s: observed vs fitted (mu=%.4g, K=%.4g)",
		group, r.Params.Mu, carryingCapacity(r.Params))

	graph := asciigraph.PlotMany(
		[][]float64{r.Observed, r.Fitted},
		asciigraph.Height(plotHeight),
		asciigraph.Width(80),
		asciigraph.Caption(caption),
		asciigraph.SeriesColors(asciigraph.Blue, asciigraph.Green),
	)
	fmt.Println(graph)
	fmt.Println()
}

func carryingCapacity(p fitting.Parameters) float64 {
	if p.A == 0 {
		return math.NaN()
	}
	return p.Mu / p.A
}

func writeTrajectories(path string, results []fitting.GroupResult) error {
	var rows []dataset.TrajectoryRow
	for _, gr := range results {
		if gr.Result == nil {
			continue
		}
		for i, t := range gr.Result.Times {
			rows = append(rows, dataset.TrajectoryRow{
				Group:    gr.Group,
				Time:     t,
				Observed: gr.Result.Observed[i],
				Fitted:   gr.Result.Fitted[i],
			})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return dataset.WriteTrajectories(f, rows)
}

func writeEstimates(path string, results []fitting.GroupResult) error {
	var rows []dataset.EstimateRow
	for _, gr := range results {
		if gr.Result == nil {
			continue
		}
		for _, name := range []string{"mu", "A"} {
			est := gr.Result.Estimates()[name]
			rows = append(rows, dataset.EstimateRow{
				Group:     gr.Group,
				Parameter: name,
				Estimate:  est.Value,
				StdErr:    est.StdErr,
			})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return dataset.WriteEstimates(f, rows)
}
