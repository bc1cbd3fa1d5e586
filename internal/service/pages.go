package service

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"keycloak-portal/internal/api"
	"keycloak-portal/internal/biz"
	"keycloak-portal/internal/conf"

	"github.com/go-playground/validator/v10"
)

const (
	msgLoadUserData   = "Failed to load user data. Please try again later."
	msgLoadProfile    = "Failed to load profile information"
	msgUpdateProfile  = "Failed to update profile information"
	msgProfileUpdated = "Profile updated successfully"
)

var phonePattern = regexp.MustCompile(`^\+?[0-9\s\-()]{7,}$`)

// pageService 页面服务实现
type pageService struct {
	cfg      *conf.Config
	static   fs.FS
	client   *http.Client
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewPageService 创建 PageService. static is the tree served under /assets/.
func NewPageService(cfg *conf.Config, static fs.FS, logger *slog.Logger) api.PageService {
	return newPageService(cfg, static, logger)
}

func newPageService(cfg *conf.Config, static fs.FS, logger *slog.Logger) *pageService {
	if logger == nil {
		logger = slog.Default()
	}
	return &pageService{
		cfg:      cfg,
		static:   static,
		client:   &http.Client{Timeout: 5 * time.Second},
		validate: newValidator(),
		logger:   logger,
		now:      time.Now,
	}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterValidation("phone", func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	})
	return v
}

// Header 页头
func (s *pageService) Header(ctx context.Context, c *biz.Coordinator) api.HeaderView {
	h := api.HeaderView{Greeting: "User"}
	if !c.IsLoggedIn(ctx) {
		return h
	}
	h.LoggedIn = true
	if p := c.GetUserProfile(ctx); p != nil && p.FirstName != "" {
		h.Greeting = p.FirstName
	}
	return h
}

// Home 首页。未登录不算错误
func (s *pageService) Home(ctx context.Context, c *biz.Coordinator) api.HomeView {
	if !c.IsLoggedIn(ctx) {
		return api.HomeView{}
	}
	profile := c.GetUserProfile(ctx)
	if profile == nil {
		return api.HomeView{Error: msgLoadUserData}
	}
	return api.HomeView{
		Profile: profile,
		Roles:   c.GetUserRoles(ctx, true),
	}
}

// Profile 个人资料
func (s *pageService) Profile(ctx context.Context, c *biz.Coordinator) api.ProfileView {
	profile := c.GetUserProfile(ctx)
	if profile == nil {
		return api.ProfileView{Error: msgLoadProfile}
	}
	return api.ProfileView{Profile: profile, Form: formFromProfile(profile)}
}

func formFromProfile(p *biz.Profile) api.ProfileForm {
	return api.ProfileForm{
		FirstName: p.FirstName,
		LastName:  p.LastName,
		Email:     p.Email,
		Phone:     p.Attribute("phone"),
	}
}

// UpdateProfile validates and saves the form. The only error returned is
// biz.ErrSessionExpired; other failures are reported in the view.
func (s *pageService) UpdateProfile(ctx context.Context, c *biz.Coordinator, form api.ProfileForm) (api.ProfileView, error) {
	update := &biz.ProfileUpdate{
		FirstName: form.FirstName,
		LastName:  form.LastName,
		Email:     form.Email,
		Phone:     form.Phone,
	}

	if err := s.validate.Struct(update); err != nil {
		return api.ProfileView{
			Profile: c.GetUserProfile(ctx),
			Form:    form,
			Editing: true,
			Errors:  validationMessages(err),
		}, nil
	}

	if err := c.UpdateUserProfile(ctx, update); err != nil {
		if errors.Is(err, biz.ErrSessionExpired) {
			return api.ProfileView{}, err
		}
		s.logger.Error("failed to update profile", "error", err)
		return api.ProfileView{
			Profile: c.GetUserProfile(ctx),
			Form:    form,
			Editing: true,
			Error:   msgUpdateProfile,
		}, nil
	}

	view := s.Profile(ctx, c)
	if view.Error == "" {
		view.Success = msgProfileUpdated
	}
	return view, nil
}

var formFields = map[string]string{
	"FirstName": "firstName",
	"LastName":  "lastName",
	"Email":     "email",
	"Phone":     "phone",
}

var fieldMessages = map[string]string{
	"FirstName.required": "First name is required",
	"LastName.required":  "Last name is required",
	"Email.required":     "Email is required",
	"Email.email":        "Please enter a valid email address",
	"Phone.phone":        "Please enter a valid phone number",
}

// validationMessages maps validator errors to form field keys.
func validationMessages(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		out[""] = err.Error()
		return out
	}
	for _, fe := range verrs {
		msg, ok := fieldMessages[fe.StructField()+"."+fe.Tag()]
		if !ok {
			msg = fe.Error()
		}
		out[formFields[fe.StructField()]] = msg
	}
	return out
}

// Unauthorized 无权限页
func (s *pageService) Unauthorized(ctx context.Context, c *biz.Coordinator) api.UnauthorizedView {
	return api.UnauthorizedView{LoggedIn: c.IsLoggedIn(ctx)}
}
