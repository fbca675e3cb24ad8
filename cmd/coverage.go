package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/geo"
)

var (
	coveragePath  string
	coverageField string
	coverageCity  string
)

var coverageCmd = &cobra.Command{
	Use:   "coverage",
	Short: "Load a coverage shapefile and optionally look up a city",
	RunE: func(cmd *cobra.Command, args []string) error {
		path := coveragePath
		if path == "" {
			path = cfg.Coverage.ShapefilePath
		}
		if path == "" {
			return eris.New("no shapefile given (--shapefile or coverage.shapefile_path)")
		}
		field := coverageField
		if field == "" {
			field = cfg.Coverage.NameField
		}

		idx, err := geo.LoadCoverageIndex(path, field)
		if err != nil {
			return eris.Wrap(err, "load coverage index")
		}
		zap.L().Info("coverage index loaded", zap.Int("places", idx.Len()))

		if coverageCity != "" {
			bounds, ok := idx.Lookup(coverageCity)
			if !ok {
				return eris.Errorf("city %q not found in coverage index", coverageCity)
			}
			fmt.Printf("%s: [%.4f, %.4f, %.4f, %.4f]\n",
				coverageCity, bounds.Min(0), bounds.Min(1), bounds.Max(0), bounds.Max(1))
		}
		return nil
	},
}

func init() {
	coverageCmd.Flags().StringVar(&coveragePath, "shapefile", "", "path to coverage shapefile")
	coverageCmd.Flags().StringVar(&coverageField, "name-field", "", "attribute holding the place name")
	coverageCmd.Flags().StringVar(&coverageCity, "city", "", "look up a city's bounding box")
	rootCmd.AddCommand(coverageCmd)
}
