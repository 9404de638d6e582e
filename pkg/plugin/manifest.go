package plugin

// Manifest is the optional <stem>.yaml sidecar the loader reads alongside
// a .wasm binary (e.g. "writer.yaml" next to "writer.wasm"). It carries
// resource limits and signature policy, and its Name, when set, is the
// name the loader resolves the PluginId from; the name the binary reports
// through its metadata export is not used for the PluginId.
type Manifest struct {
	Name             string `yaml:"name" json:"name"`
	MemoryPages      uint32 `yaml:"memory_pages,omitempty" json:"memory_pages,omitempty"`
	CallTimeoutSecs  int    `yaml:"call_timeout_secs,omitempty" json:"call_timeout_secs,omitempty"`
	StepBudget       uint64 `yaml:"step_budget,omitempty" json:"step_budget,omitempty"`
	RequireSignature bool   `yaml:"require_signature,omitempty" json:"require_signature,omitempty"`
}
