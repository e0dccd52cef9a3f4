package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path"

	"github.com/gavinwade12/dpload/bus"
	"github.com/gavinwade12/dpload/image"
	"github.com/gavinwade12/dpload/logging"
	"github.com/gavinwade12/dpload/protocols/dpload"
	"github.com/gavinwade12/dpload/protocols/frame"
	"github.com/gavinwade12/dpload/protocols/j1939"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const channelSettingName string = "channel"

var configFile string
var adapter string
var channel string
var bitrate int
var sourceAddress uint8
var logFile string
var quiet bool
var verbose bool

func init() {
	cobra.OnInitialize(func() {
		initConfig()
		presetRequiredFlags(rootCmd)
		postInitCommands(rootCmd.Commands())
	})

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is $HOME/.dpload.yaml)")
	rootCmd.PersistentFlags().StringVar(&adapter, "adapter", "socketcan", "CAN adapter: socketcan, slcan or ebyte")
	rootCmd.PersistentFlags().StringVar(&channel, channelSettingName, "can0", "adapter channel. Example: can0, /dev/ttyACM0, 192.168.4.101:8881")
	rootCmd.PersistentFlags().IntVar(&bitrate, "bitrate", 250000, "CAN bitrate in bits per second (slcan only)")
	rootCmd.PersistentFlags().Uint8Var(&sourceAddress, "sa", dpload.DefaultSourceAddress, "J1939 source address for transmitted messages")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "also write debug output to this file")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "quiet all log output")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "provide verbose output")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(describe(err))
	}
}

var rootCmd = &cobra.Command{
	Use:           "dpload",
	Short:         "A CLI for updating the firmware of nodes on a CAN bus through their bootloader.",
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !j1939.ValidNode(int(sourceAddress)) {
			return errors.Errorf("source address %d is not a valid node address", sourceAddress)
		}
		return nil
	},
}

func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(path.Base(configFile))
		viper.AddConfigPath(path.Dir(configFile))
	} else {
		home, err := homedir.Dir()
		if err != nil {
			log.Fatalf("finding home directory: %v\n", err)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".dpload")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("dpload")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || os.IsNotExist(err) {
			if err = viper.SafeWriteConfig(); err != nil {
				log.Fatalf("creating config file: %v\n", err)
			}
		} else {
			log.Fatalf("reading config file: %v\n", err)
		}
	}
}

func postInitCommands(commands []*cobra.Command) {
	for _, cmd := range commands {
		presetRequiredFlags(cmd)
		if cmd.HasSubCommands() {
			postInitCommands(cmd.Commands())
		}
	}
}

// presetRequiredFlags fills every flag not given on the command line from
// the config file.
func presetRequiredFlags(cmd *cobra.Command) {
	viper.BindPFlags(cmd.Flags())
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if !f.Changed && viper.IsSet(f.Name) && viper.GetString(f.Name) != "" {
			cmd.Flags().Set(f.Name, viper.GetString(f.Name))
		}
	})
}

// describe adds a hint for the error classes a user can act on.
func describe(err error) string {
	var hint string
	switch {
	case errors.Is(err, dpload.ErrReadTimeout):
		hint = "the node did not answer; check that it is powered, connected and in the bootloader"
	case errors.Is(err, frame.ErrCRCMismatch),
		errors.Is(err, frame.ErrInvalidFrame),
		errors.Is(err, dpload.ErrProtocolMismatch),
		errors.Is(err, dpload.ErrInvalidPayload):
		hint = "the node responded incorrectly; retry, and check for other tools on the bus"
	case errors.Is(err, image.ErrInvalidImage):
		hint = "the image file is damaged; replace it"
	case errors.Is(err, bus.ErrBusy):
		hint = "the CAN interface stayed busy; check the bus termination and bitrate"
	}
	if hint == "" {
		return err.Error()
	}
	return fmt.Sprintf("%v\n%s", err, hint)
}

func dploadLogger(cmd *cobra.Command) (logging.Logger, io.Closer) {
	var writers []io.Writer
	var closer io.Closer = io.NopCloser(nil)
	if verbose && !quiet {
		writers = append(writers, cmd.ErrOrStderr())
	}
	if logFile != "" {
		fw := logging.FileWriter(logFile)
		writers = append(writers, fw)
		closer = fw
	}
	if len(writers) == 0 {
		return logging.NopLogger, closer
	}
	return logging.DefaultLogger(io.MultiWriter(writers...)), closer
}

func openBus(l logging.Logger) (bus.Bus, error) {
	l.Debugf("opening %s adapter on %s", adapter, channel)
	switch adapter {
	case "socketcan":
		b, err := bus.OpenSocketCAN(channel, l)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "slcan":
		b, err := bus.OpenSLCAN(channel, bitrate, l)
		if err != nil {
			return nil, err
		}
		return b, nil
	case "ebyte":
		b, err := bus.DialEByte(channel, l)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, errors.Errorf("unknown adapter '%s'", adapter)
}

// session is an open bus with a connection on it, valid for one command.
type session struct {
	bus    bus.Bus
	conn   *dpload.Connection
	logger logging.Logger
	closer io.Closer
}

func openSession(cmd *cobra.Command) (*session, error) {
	l, closer := dploadLogger(cmd)
	b, err := openBus(l)
	if err != nil {
		closer.Close()
		return nil, err
	}
	conn := dpload.NewConnection(b,
		dpload.WithSourceAddress(sourceAddress),
		dpload.WithLogger(l))
	return &session{bus: b, conn: conn, logger: l, closer: closer}, nil
}

func (s *session) Close() error {
	berr := s.bus.Close()
	s.closer.Close()
	return berr
}

// withSession runs fn with an open session and a context cancelled on
// interrupt.
func withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

// nodeFlag registers the --da flag on cmd.
func nodeFlag(cmd *cobra.Command, da *uint8, usage string) {
	cmd.Flags().Uint8Var(da, "da", dpload.DefaultDestinationAddress, usage)
}

func checkNode(da uint8, allowGlobal bool) error {
	if allowGlobal {
		if !j1939.ValidDestination(int(da)) {
			return errors.Errorf("node %d is not in 0-253 or 255", da)
		}
		return nil
	}
	if !j1939.ValidNode(int(da)) {
		return errors.Errorf("node %d is not in 0-253", da)
	}
	return nil
}

func nodeString(da uint8) string {
	return fmt.Sprintf("%d (0x%02x)", da, da)
}
