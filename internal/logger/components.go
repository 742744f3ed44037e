package logger

// Component names for named sub-loggers.
const (
	ComponentCore      = "Core"
	ComponentTransport = "Transport"
	ComponentValidator = "Validator"
	ComponentScheduler = "Scheduler"
	ComponentBridge    = "Bridge"
	ComponentHistory   = "History"
	ComponentEventBus  = "EventBus"
	ComponentStore     = "Store"
	ComponentAPI       = "API"
	ComponentCLI       = "CLI"
	ComponentHarness   = "Harness"
)
