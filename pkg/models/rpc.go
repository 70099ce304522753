package models

// Method names a gateway RPC method.
type Method string

const (
	MethodConnect         Method = "connect"
	MethodProvidersStatus Method = "providers.status"
	MethodWebLoginStart   Method = "web.login.start"
	MethodWebLoginWait    Method = "web.login.wait"
	MethodWebLogout       Method = "web.logout"
	MethodTelegramLogout  Method = "telegram.logout"
	MethodConfigGet       Method = "config.get"
	MethodConfigSet       Method = "config.set"
)

// Methods lists every method served after the connect handshake.
func Methods() []Method {
	return []Method{
		MethodProvidersStatus,
		MethodWebLoginStart,
		MethodWebLoginWait,
		MethodWebLogout,
		MethodTelegramLogout,
		MethodConfigGet,
		MethodConfigSet,
	}
}

// StatusParams are the params of providers.status.
type StatusParams struct {
	Probe     bool  `json:"probe"`
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// LoginStartParams are the params of web.login.start.
type LoginStartParams struct {
	Force     bool  `json:"force"`
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// LoginWaitParams are the params of web.login.wait.
type LoginWaitParams struct {
	TimeoutMs int64 `json:"timeoutMs,omitempty"`
}

// ConfigSetParams are the params of config.set.
type ConfigSetParams struct {
	Raw string `json:"raw"`
}

// LoginStartResult is returned by web.login.start.
type LoginStartResult struct {
	QRDataURL string `json:"qrDataUrl,omitempty"`
	Message   string `json:"message"`
}

// RequiredKeys lists the payload keys a decoder must see.
func (r *LoginStartResult) RequiredKeys() []string { return []string{"message"} }

// LoginWaitResult is returned by web.login.wait.
type LoginWaitResult struct {
	Connected bool   `json:"connected"`
	Message   string `json:"message"`
}

// RequiredKeys lists the payload keys a decoder must see.
func (r *LoginWaitResult) RequiredKeys() []string { return []string{"connected", "message"} }

// LogoutResult is returned by web.logout.
type LogoutResult struct {
	Cleared bool `json:"cleared"`
}

// RequiredKeys lists the payload keys a decoder must see.
func (r *LogoutResult) RequiredKeys() []string { return []string{"cleared"} }

// TelegramLogoutResult is returned by telegram.logout. EnvToken is set when
// the token is still provided by the environment after the config was cleared.
type TelegramLogoutResult struct {
	Cleared  bool  `json:"cleared"`
	EnvToken *bool `json:"envToken,omitempty"`
}

// RequiredKeys lists the payload keys a decoder must see.
func (r *TelegramLogoutResult) RequiredKeys() []string { return []string{"cleared"} }

// ConfigSetResult acknowledges config.set. Issues lists schema problems
// found in the written document; the write still happened.
type ConfigSetResult struct {
	OK     bool          `json:"ok"`
	Path   string        `json:"path,omitempty"`
	Issues []ConfigIssue `json:"issues,omitempty"`
}

// RequiredKeys lists the payload keys a decoder must see.
func (r *ConfigSetResult) RequiredKeys() []string { return []string{"ok"} }
