package domain

// HookInfo is the untyped contract of a hook as seen by the call engines.
type HookInfo struct {
	Name       string
	Version    uint16
	TakesOver  bool // plugin owns terminal output; its failures are logged, not propagated
	Async      bool // may run concurrently with other calls into the same plugin
	HasDefault bool // a call that ends without a result yields the hook's default
}
