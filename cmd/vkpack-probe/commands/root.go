package commands

import (
	"io"
	"runtime"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vkngwrapper/vkpack/gpu"
	"github.com/vkngwrapper/vkpack/gpu/fakegpu"
	"github.com/vkngwrapper/vkpack/vulkan"
	"golang.org/x/exp/slog"
)

type rootOptions struct {
	config      string
	verbose     bool
	fake        bool
	fakeMemory  string
	deviceIndex int
	validation  bool
}

// NewRootCommand builds the vkpack-probe command tree
func NewRootCommand() *cobra.Command {
	options := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "vkpack-probe",
		Short: "Exercise the vkpack memory system against a real or simulated device",
		Long: `vkpack-probe packs resources into device memory pools, round-trips data
through them, and reports how the memory system placed them.

Pass --fake to run against a software device instead of the system vulkan driver.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return options.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&options.config, "config", "", "Yaml file providing defaults for the global flags")
	rootCmd.PersistentFlags().BoolVarP(&options.verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&options.fake, "fake", false, "Use a software device instead of vulkan")
	rootCmd.PersistentFlags().StringVar(&options.fakeMemory, "fake-memory", "discrete", "Memory layout of the software device: discrete or integrated")
	rootCmd.PersistentFlags().IntVar(&options.deviceIndex, "device", 0, "Index of the vulkan physical device to use")
	rootCmd.PersistentFlags().BoolVar(&options.validation, "validation", false, "Enable vulkan validation messages")

	rootCmd.AddCommand(newProbeCommand(options))
	rootCmd.AddCommand(newTypesCommand(options))

	return rootCmd
}

// Execute runs the command line
func Execute() error {
	return NewRootCommand().Execute()
}

// load resolves the global flags. Flags given on the command line win over VKPACK_ environment
// variables, which win over the config file.
func (o *rootOptions) load(cmd *cobra.Command) error {
	v := viper.New()
	v.SetEnvPrefix("VKPACK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	flags := cmd.Root().PersistentFlags()
	for _, name := range []string{"verbose", "fake", "fake-memory", "device", "validation"} {
		if err := v.BindPFlag(name, flags.Lookup(name)); err != nil {
			return errors.Wrapf(err, "failed to bind flag %s", name)
		}
	}

	if o.config != "" {
		v.SetConfigFile(o.config)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return errors.Wrapf(err, "failed to read config %s", o.config)
		}
	}

	o.verbose = v.GetBool("verbose")
	o.fake = v.GetBool("fake")
	o.fakeMemory = v.GetString("fake-memory")
	o.deviceIndex = v.GetInt("device")
	o.validation = v.GetBool("validation")
	return nil
}

func (o *rootOptions) logger(w io.Writer) *slog.Logger {
	if o.verbose {
		return slog.New(slog.HandlerOptions{Level: slog.LevelDebug}.NewTextHandler(w))
	}
	return slog.New(slog.NewTextHandler(w))
}

// openDevice returns the device the commands run against and a function that releases it
func (o *rootOptions) openDevice(logger *slog.Logger) (gpu.Device, func(), error) {
	if o.fake {
		var memoryProperties gpu.MemoryProperties
		switch o.fakeMemory {
		case "discrete":
			memoryProperties = fakegpu.DiscreteMemoryProperties()
		case "integrated":
			memoryProperties = fakegpu.IntegratedMemoryProperties()
		default:
			return nil, nil, errors.Newf("unknown software memory layout %q, expected discrete or integrated", o.fakeMemory)
		}

		device := fakegpu.New(fakegpu.Options{MemoryProperties: memoryProperties})
		release := func() {
			for _, err := range device.ValidationErrors() {
				logger.Error("software device reported a validation error", slog.Any("error", err))
			}
		}
		return device, release, nil
	}

	// Vulkan commands must come from the thread that created the instance
	runtime.LockOSThread()

	app, err := vulkan.CreateApplication(logger, "vkpack-probe", vulkan.ApplicationOptions{
		PhysicalDeviceIndex: o.deviceIndex,
		Validation:          o.validation,
	})
	if err != nil {
		runtime.UnlockOSThread()
		return nil, nil, err
	}

	release := func() {
		app.Destroy()
		runtime.UnlockOSThread()
	}
	return app.Device, release, nil
}
