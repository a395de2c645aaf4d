package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jamesrr39/goutil/logpkg"
	"github.com/kiesman99/iiif-stitch/internal/iiif"
	"github.com/kiesman99/iiif-stitch/internal/stitch"
	"github.com/kiesman99/iiif-stitch/internal/stitcher"
	"github.com/kiesman99/iiif-stitch/pkg/tile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "1.0.0"

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "iiif-stitch [page-url]",
	Short: "Download full-resolution images from IIIF viewers",
	Long: `iiif-stitch reconstructs full-resolution images from IIIF tiled image
services embedded in OpenSeadragon viewers.

Every tile source found on the page is resolved through its info.json, the
tiles are downloaded concurrently and stitched into one PNG per image
(image_001.png, image_002.png, ...).

Examples:
  # Download every image of a viewer page
  iiif-stitch https://library.example.org/items/42 -o ./scans

  # Skip the page and stitch tile sources directly
  iiif-stitch -s https://iiif.example.org/iiif/2/page-001/info.json -s https://iiif.example.org/iiif/2/page-002/info.json

  # Fewer parallel downloads, verbose logging
  iiif-stitch https://library.example.org/items/42 -w 4 -v

  # Start HTTP server
  iiif-stitch serve --port 8080`,
	Args:    cobra.MaximumNArgs(1),
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && len(viper.GetStringSlice("source")) == 0 {
			return cmd.Help()
		}
		return runStitch(cmd, args)
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.iiif-stitch.yaml)")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable verbose logging")
	rootCmd.PersistentFlags().IntP("workers", "w", stitcher.DefaultWorkers, "maximum number of concurrent tile downloads")
	rootCmd.PersistentFlags().Int("retries", tile.DefaultRetries, "additional attempts per tile after a failure")
	rootCmd.PersistentFlags().Duration("fetch-timeout", tile.DefaultTimeout, "timeout of a single HTTP request")
	rootCmd.PersistentFlags().Int("tile-threshold", iiif.DefaultTileThreshold, "images smaller than this on both sides are downloaded in one request")
	rootCmd.PersistentFlags().Int("max-pixels", iiif.DefaultMaxPixels, "largest image (width x height) a tile source may advertise")
	rootCmd.PersistentFlags().String("format", iiif.DefaultFormat, "image format requested from the IIIF server (jpg|png|webp|tif)")
	rootCmd.PersistentFlags().String("user-agent", tile.DefaultUserAgent, "HTTP User-Agent header")

	// Output options
	rootCmd.Flags().StringP("output", "o", ".", "output directory for downloaded images")
	rootCmd.Flags().StringSliceP("source", "s", []string{}, "tile source URL(s) (info.json or direct image); skips page scraping")

	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("retries", rootCmd.PersistentFlags().Lookup("retries"))
	viper.BindPFlag("fetch-timeout", rootCmd.PersistentFlags().Lookup("fetch-timeout"))
	viper.BindPFlag("tile-threshold", rootCmd.PersistentFlags().Lookup("tile-threshold"))
	viper.BindPFlag("max-pixels", rootCmd.PersistentFlags().Lookup("max-pixels"))
	viper.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	viper.BindPFlag("user-agent", rootCmd.PersistentFlags().Lookup("user-agent"))
	viper.BindPFlag("output", rootCmd.Flags().Lookup("output"))
	viper.BindPFlag("source", rootCmd.Flags().Lookup("source"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".iiif-stitch")
	}

	viper.SetEnvPrefix("IIIF_STITCH")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// newLogger returns a logger at DEBUG when verbose is set
func newLogger() *logpkg.Logger {
	level := logpkg.LogLevelInfo
	if viper.GetBool("verbose") {
		level = logpkg.LogLevelDebug
	}
	return logpkg.NewLogger(os.Stderr, level)
}

// stitcherOptions maps configuration onto the core's plain parameters
func stitcherOptions() (stitcher.Options, error) {
	opts := stitcher.DefaultOptions()
	opts.Workers = viper.GetInt("workers")
	opts.Retries = viper.GetInt("retries")
	opts.Timeout = viper.GetDuration("fetch-timeout")
	opts.TileThreshold = viper.GetInt("tile-threshold")
	opts.MaxPixels = viper.GetInt("max-pixels")
	opts.Format = viper.GetString("format")
	opts.UserAgent = viper.GetString("user-agent")

	if opts.Workers < 1 {
		return opts, fmt.Errorf("workers must be at least 1, got %d", opts.Workers)
	}
	if opts.MaxPixels < 1 {
		return opts, fmt.Errorf("max-pixels must be at least 1, got %d", opts.MaxPixels)
	}
	if opts.Retries < 0 {
		return opts, fmt.Errorf("retries must not be negative, got %d", opts.Retries)
	}
	switch opts.Format {
	case "jpg", "png", "webp", "tif", "gif":
	default:
		return opts, fmt.Errorf("unknown format: %s", opts.Format)
	}

	return opts, nil
}

func runStitch(cmd *cobra.Command, args []string) error {
	opts, err := stitcherOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s := stitch.NewStitcher(&stitch.Options{
		OutputDir: viper.GetString("output"),
		Stitcher:  opts,
	}, newLogger())

	if sources := viper.GetStringSlice("source"); len(sources) > 0 {
		_, err = s.StitchSources(ctx, sources)
		return err
	}

	_, err = s.StitchPage(ctx, args[0])
	return err
}
