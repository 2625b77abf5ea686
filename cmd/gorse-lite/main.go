// Copyright 2022 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/gorse-io/gorse-lite/common/log"
	"github.com/gorse-io/gorse-lite/common/progress"
	"github.com/gorse-io/gorse-lite/config"
	"github.com/gorse-io/gorse-lite/dataset"
	"github.com/gorse-io/gorse-lite/model/cf"
	"github.com/gorse-io/gorse-lite/recommend"
	"github.com/juju/errors"
	"github.com/olekukonko/tablewriter"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCommand = &cobra.Command{
	Use:   "gorse-lite",
	Short: "In-memory matrix factorization recommender.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		debug, _ := cmd.Flags().GetBool("debug")
		log.SetLogger(cmd.Flags(), debug)
	},
}

var recommendCommand = &cobra.Command{
	Use:   "recommend",
	Short: "Fit a model on interactions and recommend items for a user.",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		store, err := loadStore(conf)
		if err != nil {
			return errors.Trace(err)
		}
		userId, _ := cmd.Flags().GetString("user")
		quiet, _ := cmd.Flags().GetBool("quiet")

		r := recommend.NewRecommender(store, cf.NewSGD(conf.Model.Params()),
			recommend.WithPopularityWeight(conf.Recommend.PopularityWeight),
			recommend.WithJobs(conf.Recommend.Jobs),
			recommend.WithCacheTTL(conf.Recommend.CacheTTL))
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		score, err := fit(ctx, r, conf, quiet)
		if err != nil {
			return errors.Trace(err)
		}
		log.Logger().Info("fit model", zap.Float32("RMSE", score.RMSE))

		candidates, err := r.Recommend(userId, conf.Recommend.N)
		if err != nil {
			return errors.Trace(err)
		}
		rows := make([][]string, len(candidates))
		for i, c := range candidates {
			rows[i] = []string{fmt.Sprint(i + 1), c.ItemId, fmt.Sprintf("%.4f", c.Score)}
		}
		return renderTable(cmd.OutOrStdout(), []string{"#", "item", "score"}, rows)
	},
}

var similarCommand = &cobra.Command{
	Use:   "similar",
	Short: "Find users with similar interactions.",
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := loadConfig(cmd)
		if err != nil {
			return errors.Trace(err)
		}
		store, err := loadStore(conf)
		if err != nil {
			return errors.Trace(err)
		}
		userId, _ := cmd.Flags().GetString("user")
		r := recommend.NewRecommender(store, cf.NewSGD(conf.Model.Params()))
		neighbors, err := r.SimilarUsers(userId, conf.Recommend.N)
		if err != nil {
			return errors.Trace(err)
		}
		rows := make([][]string, len(neighbors))
		for i, n := range neighbors {
			rows[i] = []string{fmt.Sprint(i + 1), n.UserId, fmt.Sprintf("%.4f", n.Similarity)}
		}
		return renderTable(cmd.OutOrStdout(), []string{"#", "user", "similarity"}, rows)
	},
}

func init() {
	log.AddFlags(rootCommand.PersistentFlags())
	rootCommand.PersistentFlags().Bool("debug", false, "use debug log mode")
	rootCommand.PersistentFlags().StringP("config", "c", "", "configuration file path")
	rootCommand.PersistentFlags().String("data", "", "path of the interaction file")
	rootCommand.PersistentFlags().String("sep", ",", "field separator of the interaction file")
	rootCommand.PersistentFlags().Bool("header", false, "skip the first line of the interaction file")
	rootCommand.PersistentFlags().String("user", "", "user id")
	rootCommand.PersistentFlags().IntP("number", "n", 10, "number of results")
	recommendCommand.Flags().Int("factors", 32, "number of latent factors")
	recommendCommand.Flags().Int("epochs", 5, "number of training epochs")
	recommendCommand.Flags().Int("jobs", 1, "number of scoring workers")
	recommendCommand.Flags().BoolP("quiet", "q", false, "hide the progress bar")
	rootCommand.AddCommand(recommendCommand, similarCommand)
}

// loadConfig loads the configuration file and applies flags set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	conf, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, errors.Trace(err)
	}
	flags := cmd.Flags()
	if flags.Changed("data") {
		conf.Data.Path, _ = flags.GetString("data")
	}
	if flags.Changed("sep") {
		conf.Data.Separator, _ = flags.GetString("sep")
	}
	if flags.Changed("header") {
		conf.Data.Header, _ = flags.GetBool("header")
	}
	if flags.Changed("number") {
		conf.Recommend.N, _ = flags.GetInt("number")
	}
	if flags.Lookup("factors") != nil && flags.Changed("factors") {
		conf.Model.NFactors, _ = flags.GetInt("factors")
	}
	if flags.Lookup("epochs") != nil && flags.Changed("epochs") {
		conf.Model.NEpochs, _ = flags.GetInt("epochs")
	}
	if flags.Lookup("jobs") != nil && flags.Changed("jobs") {
		conf.Recommend.Jobs, _ = flags.GetInt("jobs")
	}
	if err = conf.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return conf, nil
}

func loadStore(conf *config.Config) (*dataset.InteractionStore, error) {
	if conf.Data.Path == "" {
		return nil, errors.NotValidf("empty data path")
	}
	store, err := dataset.LoadCSV(conf.Data.Path, conf.Data.Separator, conf.Data.Header)
	if err != nil {
		return nil, errors.Trace(err)
	}
	log.Logger().Info("load interactions",
		zap.String("path", conf.Data.Path),
		zap.Int("n_users", store.CountUsers()),
		zap.Int("n_items", store.CountItems()),
		zap.Int("n_interactions", store.CountInteractions()))
	return store, nil
}

// fit trains the model and shows training epochs on a progress bar.
func fit(ctx context.Context, r *recommend.Recommender, conf *config.Config, quiet bool) (cf.Score, error) {
	tracer := progress.NewTracer("gorse-lite")
	if !quiet {
		bar := progressbar.Default(int64(conf.Model.NEpochs), "Fitting")
		defer func() { _ = bar.Finish() }()
		tracer.OnChange(func(p progress.Progress) {
			if p.Name == "SGD.Fit" {
				_ = bar.Set(p.Count)
			}
		})
	}
	ctx, span := tracer.Start(ctx, "fit", 1)
	score, err := r.Fit(ctx, conf.Model.FitConfig())
	if err != nil {
		span.Fail(err)
		return cf.Score{}, errors.Trace(err)
	}
	span.End()
	return score, nil
}

func renderTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	table.Header(header)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(table.Render())
}

func main() {
	if err := rootCommand.Execute(); err != nil {
		log.Logger().Fatal("failed to execute", zap.Error(err))
	}
}
