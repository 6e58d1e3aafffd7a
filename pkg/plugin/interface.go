package plugin

// Registrar is the surface a plugin sees while it activates. Registrations
// land in a staging buffer owned by the host; nothing becomes visible to
// tool consumers until the host validates and commits the whole buffer.
type Registrar interface {
	RegisterTool(tool ToolRegistration) error
	RegisterResource(resource ResourceRegistration) error
	RegisterPrompt(prompt PromptRegistration) error
}

// Host exposes the capability primitives a plugin may call back into.
// Every method is permission-checked on the host side against the
// manifest the plugin was loaded with, so a guest that lies about its
// intentions gets an error, not access.
type Host interface {
	FetchURL(url string) ([]byte, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	Exec(command string, args []string) (string, error)
}

// ServicePlugin is the interface plugin binaries implement. Activate runs
// once per load inside the plugin process; Invoke serves tool calls for
// the lifetime of the process; Deactivate runs before the host kills it.
type ServicePlugin interface {
	Activate(registrar Registrar, host Host) error
	Invoke(tool string, args map[string]any) (map[string]any, error)
	Deactivate() error
}

// PluginClient is the host-side handle to a running plugin process.
type PluginClient interface {
	Invoke(tool string, args map[string]any) (map[string]any, error)
	Deactivate() error
	Kill()
}
