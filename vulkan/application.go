package vulkan

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_debug_utils"
	"github.com/vkngwrapper/extensions/v2/khr_portability_enumeration"
	"github.com/vkngwrapper/extensions/v2/khr_portability_subset"
	"github.com/vkngwrapper/vkpack/gpu"
	"golang.org/x/exp/slog"
)

// Application owns a vulkan instance and a logical device created for the memory system: a graphics
// queue, plus a dedicated transfer queue when the physical device has one
type Application struct {
	logger         *slog.Logger
	instance       core1_0.Instance
	debugMessenger ext_debug_utils.DebugUtilsMessenger
	physicalDevice core1_0.PhysicalDevice
	device         core1_0.Device

	Device *Device
}

// ApplicationOptions contains optional settings when creating an application
type ApplicationOptions struct {
	// PhysicalDeviceIndex selects among the enumerated physical devices
	PhysicalDeviceIndex int
	// Validation enables ext_debug_utils and routes validation messages to the logger
	Validation bool
}

func debugCallback(logger *slog.Logger) func(ext_debug_utils.DebugUtilsMessageTypeFlags, ext_debug_utils.DebugUtilsMessageSeverityFlags, *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
	return func(msgType ext_debug_utils.DebugUtilsMessageTypeFlags, severity ext_debug_utils.DebugUtilsMessageSeverityFlags, data *ext_debug_utils.DebugUtilsMessengerCallbackData) bool {
		level := slog.LevelWarn
		if severity&ext_debug_utils.SeverityError != 0 {
			level = slog.LevelError
		}
		logger.LogAttrs(context.Background(), level, data.Message,
			slog.String("type", msgType.String()),
			slog.String("severity", severity.String()),
		)
		return false
	}
}

// queueFamilies picks a graphics family and, if one exists, a family that supports transfer but not
// graphics
func queueFamilies(physicalDevice core1_0.PhysicalDevice) (map[gpu.QueueRole]int, error) {
	families := make(map[gpu.QueueRole]int)
	for index, family := range physicalDevice.QueueFamilyProperties() {
		if _, ok := families[gpu.QueueRoleGraphics]; !ok && family.QueueFlags&core1_0.QueueGraphics != 0 {
			families[gpu.QueueRoleGraphics] = index
		}
		if _, ok := families[gpu.QueueRoleTransfer]; !ok &&
			family.QueueFlags&core1_0.QueueTransfer != 0 && family.QueueFlags&core1_0.QueueGraphics == 0 {
			families[gpu.QueueRoleTransfer] = index
		}
	}

	if _, ok := families[gpu.QueueRoleGraphics]; !ok {
		return nil, errors.Wrap(gpu.ErrQueueRoleUnsupported, "physical device has no graphics queue family")
	}
	return families, nil
}

// CreateApplication loads the system vulkan library and creates an instance and device. The caller
// must call Destroy once every resource has been freed.
func CreateApplication(logger *slog.Logger, name string, options ApplicationOptions) (*Application, error) {
	loader, err := core.CreateSystemLoader()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load vulkan")
	}

	instanceExtensions, _, err := loader.AvailableExtensions()
	if err != nil {
		return nil, errors.Wrap(err, "failed to enumerate instance extensions")
	}

	var instanceExtensionNames []string
	var flags core1_0.InstanceCreateFlags
	if _, ok := instanceExtensions[khr_portability_enumeration.ExtensionName]; ok {
		instanceExtensionNames = append(instanceExtensionNames, khr_portability_enumeration.ExtensionName)
		flags |= khr_portability_enumeration.InstanceCreateEnumeratePortability
	}

	var next common.NextOptions
	if options.Validation {
		instanceExtensionNames = append(instanceExtensionNames, ext_debug_utils.ExtensionName)
		next.Next = ext_debug_utils.DebugUtilsMessengerCreateInfo{
			MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
			MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
			UserCallback:    debugCallback(logger),
		}
	}

	instance, _, err := loader.CreateInstance(nil, core1_0.InstanceCreateInfo{
		ApplicationName:       name,
		ApplicationVersion:    common.CreateVersion(1, 0, 0),
		EngineName:            "vkpack",
		EngineVersion:         common.CreateVersion(1, 0, 0),
		APIVersion:            common.Vulkan1_0,
		EnabledExtensionNames: instanceExtensionNames,
		Flags:                 flags,
		NextOptions:           next,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create instance")
	}

	app := &Application{logger: logger, instance: instance}

	if options.Validation {
		debugLoader := ext_debug_utils.CreateExtensionFromInstance(instance)
		app.debugMessenger, _, err = debugLoader.CreateDebugUtilsMessenger(instance, nil, ext_debug_utils.DebugUtilsMessengerCreateInfo{
			MessageSeverity: ext_debug_utils.SeverityError | ext_debug_utils.SeverityWarning,
			MessageType:     ext_debug_utils.TypeGeneral | ext_debug_utils.TypeValidation | ext_debug_utils.TypePerformance,
			UserCallback:    debugCallback(logger),
		})
		if err != nil {
			app.Destroy()
			return nil, errors.Wrap(err, "failed to create debug messenger")
		}
	}

	gpus, _, err := instance.EnumeratePhysicalDevices()
	if err != nil {
		app.Destroy()
		return nil, errors.Wrap(err, "failed to enumerate physical devices")
	}
	if options.PhysicalDeviceIndex < 0 || options.PhysicalDeviceIndex >= len(gpus) {
		app.Destroy()
		return nil, errors.Newf("physical device %d does not exist, %d were found", options.PhysicalDeviceIndex, len(gpus))
	}
	app.physicalDevice = gpus[options.PhysicalDeviceIndex]

	families, err := queueFamilies(app.physicalDevice)
	if err != nil {
		app.Destroy()
		return nil, err
	}

	var deviceExtensionNames []string
	deviceExtensions, _, err := app.physicalDevice.EnumerateDeviceExtensionProperties()
	if err != nil {
		app.Destroy()
		return nil, errors.Wrap(err, "failed to enumerate device extensions")
	}
	if _, ok := deviceExtensions[khr_portability_subset.ExtensionName]; ok {
		deviceExtensionNames = append(deviceExtensionNames, khr_portability_subset.ExtensionName)
	}

	var queueCreateInfos []core1_0.DeviceQueueCreateInfo
	requested := make(map[int]bool)
	for _, family := range families {
		if requested[family] {
			continue
		}
		requested[family] = true
		queueCreateInfos = append(queueCreateInfos, core1_0.DeviceQueueCreateInfo{
			QueueFamilyIndex: family,
			QueuePriorities:  []float32{0.0},
		})
	}

	app.device, _, err = app.physicalDevice.CreateDevice(nil, core1_0.DeviceCreateInfo{
		QueueCreateInfos:      queueCreateInfos,
		EnabledExtensionNames: deviceExtensionNames,
	})
	if err != nil {
		app.Destroy()
		return nil, errors.Wrap(err, "failed to create device")
	}

	app.Device, err = New(logger, app.physicalDevice, app.device, Options{QueueFamilies: families})
	if err != nil {
		app.Destroy()
		return nil, err
	}

	return app, nil
}

func (a *Application) Instance() core1_0.Instance             { return a.instance }
func (a *Application) PhysicalDevice() core1_0.PhysicalDevice { return a.physicalDevice }

// Destroy waits for the device to go idle and destroys everything the application created
func (a *Application) Destroy() {
	if a.Device != nil {
		_ = a.Device.WaitIdle()
		a.Device.Destroy()
		a.Device = nil
	}
	if a.device != nil {
		a.device.Destroy(nil)
		a.device = nil
	}
	if a.debugMessenger != nil {
		a.debugMessenger.Destroy(nil)
		a.debugMessenger = nil
	}
	if a.instance != nil {
		a.instance.Destroy(nil)
		a.instance = nil
	}
}
