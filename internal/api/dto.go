package api

import (
	"context"
	"time"

	"keycloak-portal/internal/biz"
)

// HeaderView 页头：登录状态与问候语
type HeaderView struct {
	LoggedIn bool
	Greeting string
}

// PageView 布局数据，Content 为具体页面的 view model
type PageView struct {
	Title   string
	Route   string
	Context string
	Header  HeaderView
	Content any
}

// HomeView 首页
type HomeView struct {
	Profile *biz.Profile
	Roles   []string
	Error   string
}

// ProfileForm 资料编辑表单
type ProfileForm struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
}

// ProfileView 个人资料页
type ProfileView struct {
	Profile *biz.Profile
	Form    ProfileForm
	Editing bool
	Errors  map[string]string
	Success string
	Error   string
}

// ServerTest 诊断页的服务端点测试结果
type ServerTest struct {
	URL         string `json:"url"`
	Description string `json:"description"`
	Status      string `json:"status"` // not-started | success | error
	Error       string `json:"error,omitempty"`
	Data        any    `json:"data,omitempty"`
}

// FileCheck 静态文件检查结果
type FileCheck struct {
	Path   string `json:"path"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// DiagnosticsView 诊断页
type DiagnosticsView struct {
	Status      StatusView
	TokenExpiry string
	Connection  *biz.ConnectionTest
	ServerTests []ServerTest
	FileChecks  []FileCheck
	Message     string
}

// UnauthorizedView 无权限页
type UnauthorizedView struct {
	LoggedIn bool
}

// LoginView 登录页
type LoginView struct {
	ReturnURL string
	Error     string
}

// StatusView 会话状态快照（对外展示，不含 token）
type StatusView struct {
	Connected      bool      `json:"connected"`
	Initialized    bool      `json:"initialized"`
	Authenticated  bool      `json:"authenticated"`
	Error          string    `json:"error,omitempty"`
	TokenExpiresIn *int64    `json:"tokenExpiresIn,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// NewStatusView converts a snapshot, computing the remaining token lifetime at now.
func NewStatusView(s biz.SessionStatus, now time.Time) StatusView {
	return StatusView{
		Connected:      s.Connected,
		Initialized:    s.Initialized,
		Authenticated:  s.Authenticated,
		Error:          s.Error,
		TokenExpiresIn: s.TokenExpiresIn(now),
		UpdatedAt:      s.UpdatedAt,
	}
}

// ServerStatus /api/status 响应
type ServerStatus struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// KeycloakJSON is the adapter configuration served at /keycloak.json.
type KeycloakJSON struct {
	Realm            string `json:"realm"`
	AuthServerURL    string `json:"auth-server-url"`
	SSLRequired      string `json:"ssl-required"`
	Resource         string `json:"resource"`
	PublicClient     bool   `json:"public-client"`
	ConfidentialPort int    `json:"confidential-port"`
}

// PageService 页面服务接口（由 service 层实现）
type PageService interface {
	Header(ctx context.Context, c *biz.Coordinator) HeaderView
	Home(ctx context.Context, c *biz.Coordinator) HomeView
	Profile(ctx context.Context, c *biz.Coordinator) ProfileView
	UpdateProfile(ctx context.Context, c *biz.Coordinator, form ProfileForm) (ProfileView, error)
	Diagnostics(ctx context.Context, c *biz.Coordinator, run bool) DiagnosticsView
	Unauthorized(ctx context.Context, c *biz.Coordinator) UnauthorizedView
}
