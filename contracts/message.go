package contracts

// Core is the source name used for messages originated by the dispatcher itself.
const Core = "core"

// Message types owned by the core. They are registered by messaging.RegisterCoreMessages.
const (
	Configure1 = "configure1"
	Configure2 = "configure2"
	Start      = "start"
	Shutdown   = "shutdown"
)

// Message types used by the parameters controller and the modules it coordinates.
const (
	InitialParameters    = "initial parameters"
	WaitFor              = "wait for"
	NewParametersRequest = "new parameters request"
	NewParameters        = "new parameters"
	UpdatedParameters    = "updated parameters"
	ModuleReady          = "module ready"
	ParametersApplied    = "parameters applied"
	ShowError            = "show error"
)

// Payload keys.
const (
	KeyModuleNames   = "module names"
	KeyShowGUI       = "show gui"
	KeyParameters    = "parameters"
	KeyIsReverting   = "is reverting"
	KeyOldParameters = "old parameters"
	KeyNewParameters = "new parameters"
	KeyModule        = "module"
	KeyText          = "text"
)
