// Package cmd implements the packager CLI.
package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/phsym/console-slog"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3QSDN/shaka-packager/internal/packager"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "packager stream_descriptor...",
	Short: "Package media streams into DASH/HLS presentations",
	Long: `packager remuxes elementary media streams into DASH-ready and
HLS-ready presentations, optionally applying common encryption with key
rotation driven by a key provider.

Each positional argument is a stream descriptor of comma-separated
key=value fields, e.g.:

  input=in.mp4,stream=video,output=video.mp4
  input=in.mp4,stream=audio,output=audio.m4s,segment_template=audio_$Number$.m4s`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPackage,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		return initLogging(cmd)
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./packager.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console, json)")

	flags := rootCmd.Flags()
	flags.String("mpd-output", "", "MPD output path")
	flags.String("hls-master-playlist-output", "", "HLS master playlist output path")
	flags.Bool("dynamic", false, "generate a dynamic (live) MPD")
	flags.Float64("time-shift-buffer-depth", 0, "live window depth in seconds")
	flags.Float64("segment-duration", 6, "segment duration in seconds")
	flags.Float64("fragment-duration", 0, "fragment duration in seconds (default: segment duration)")
	flags.Bool("segment-sap-aligned", true, "force segments to begin with stream access points")
	flags.Bool("fragment-sap-aligned", true, "force fragments to begin with stream access points")
	flags.Float64("min-buffer-time", 2, "MPD minBufferTime in seconds")
	flags.String("base-url", "", "base URL for manifests")
	flags.String("default-language", "", "default audio language for HLS")
	flags.String("hls-playlist-type", "", "HLS playlist type (VOD, EVENT, LIVE)")
	flags.String("temp-dir", "", "directory for intermediate files")
	flags.Float64Slice("ad-cues", nil, "ad cue times in seconds")

	flags.Bool("enable-fixed-key-encryption", false, "encrypt with a fixed key")
	flags.Bool("enable-widevine-encryption", false, "encrypt with keys from a remote provider")
	flags.String("protection-scheme", "cenc", "protection scheme (cenc, cbcs)")
	flags.Float64("clear-lead", 0, "clear lead in seconds")
	flags.Float64("crypto-period-duration", 0, "crypto period duration in seconds (enables rotation)")
	flags.String("key-id", "", "fixed key id (hex)")
	flags.String("key", "", "fixed key (hex)")
	flags.String("iv", "", "initialization vector (hex)")
	flags.String("pssh", "", "fixed-key pssh payload (hex)")
	flags.String("key-server-url", "", "remote key provider URL")
	flags.String("content-id", "", "remote provider content id (hex)")
	flags.String("policy", "", "remote provider policy name")
	flags.String("signer", "", "request signer name")
	flags.String("rsa-signing-key-path", "", "PEM RSA private key for request signing")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("packager")
	}
	viper.SetEnvPrefix("PACKAGER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func initLogging(cmd *cobra.Command) error {
	level := slog.LevelInfo
	switch flag, _ := cmd.PersistentFlags().GetString("log-level"); flag {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var handler slog.Handler
	if format, _ := cmd.PersistentFlags().GetString("log-format"); format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = console.NewHandler(os.Stderr, &console.HandlerOptions{Level: level})
	}
	slog.SetDefault(slog.New(handler))
	return nil
}

func runPackage(cmd *cobra.Command, args []string) error {
	var descriptors []packager.StreamDescriptor
	for _, arg := range args {
		d, err := packager.ParseStreamDescriptor(arg)
		if err != nil {
			return err
		}
		descriptors = append(descriptors, d)
	}

	params := packager.PackagingParams{
		MPDOutput:            viper.GetString("mpd-output"),
		HLSMasterPlaylist:    viper.GetString("hls-master-playlist-output"),
		Dynamic:              viper.GetBool("dynamic"),
		TimeShiftBufferDepth: viper.GetFloat64("time-shift-buffer-depth"),
		SegmentDuration:      viper.GetFloat64("segment-duration"),
		FragmentDuration:     viper.GetFloat64("fragment-duration"),
		SegmentSAPAligned:    viper.GetBool("segment-sap-aligned"),
		FragmentSAPAligned:   viper.GetBool("fragment-sap-aligned"),
		MinBufferTime:        viper.GetFloat64("min-buffer-time"),
		BaseURL:              viper.GetString("base-url"),
		DefaultLanguage:      viper.GetString("default-language"),
		HLSPlaylistType:      viper.GetString("hls-playlist-type"),
		TempDir:              viper.GetString("temp-dir"),
		AdCues:               cast.ToFloat64Slice(viper.Get("ad-cues")),
	}

	if viper.GetBool("enable-fixed-key-encryption") || viper.GetBool("enable-widevine-encryption") {
		enc := &packager.EncryptionParams{
			Scheme:              viper.GetString("protection-scheme"),
			ClearLeadSeconds:    viper.GetFloat64("clear-lead"),
			CryptoPeriodSeconds: viper.GetFloat64("crypto-period-duration"),
			KeyIDHex:            viper.GetString("key-id"),
			KeyHex:              viper.GetString("key"),
			IVHex:               viper.GetString("iv"),
			PsshDataHex:         viper.GetString("pssh"),
			KeyServerURL:        viper.GetString("key-server-url"),
			ContentIDHex:        viper.GetString("content-id"),
			Policy:              viper.GetString("policy"),
			SignerName:          viper.GetString("signer"),
		}
		if !viper.GetBool("enable-widevine-encryption") {
			enc.KeyServerURL = ""
		}
		if path := viper.GetString("rsa-signing-key-path"); path != "" {
			pem, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			enc.SignerKeyPEM = pem
		}
		params.Encryption = enc
	}

	src, err := packager.NewKeySource(params.Encryption)
	if err != nil {
		return err
	}
	job, err := packager.New(params, descriptors, src)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, cancelling", "signal", sig)
		job.Cancel()
		cancel()
	}()

	return job.Run(ctx)
}
