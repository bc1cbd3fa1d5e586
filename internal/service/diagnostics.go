package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strings"
	"time"

	"keycloak-portal/internal/api"
	"keycloak-portal/internal/biz"

	"golang.org/x/sync/errgroup"
)

const (
	testNotStarted = "not-started"
	testSuccess    = "success"
	testError      = "error"

	silentCheckSSOFile = "assets/silent-check-sso.html"
)

// serverTests lists the provider endpoints the diagnostics page probes.
func (s *pageService) serverTests() []api.ServerTest {
	kc := s.cfg.Keycloak
	base := strings.TrimRight(kc.URL, "/")
	issuer := kc.IssuerURL()
	return []api.ServerTest{
		{URL: issuer + "/.well-known/openid-configuration", Description: "Realm Configuration", Status: testNotStarted},
		{URL: issuer + "/protocol/openid-connect/auth", Description: "Authentication Endpoint", Status: testNotStarted},
		{URL: base + "/admin/master/console/", Description: "Keycloak Admin Console", Status: testNotStarted},
	}
}

// Diagnostics 诊断页。run 为 true 时并发执行全部检查
func (s *pageService) Diagnostics(ctx context.Context, c *biz.Coordinator, run bool) api.DiagnosticsView {
	now := s.now()
	st := c.UpdateStatus(ctx)
	view := api.DiagnosticsView{
		Status:      api.NewStatusView(st, now),
		ServerTests: s.serverTests(),
		FileChecks:  []api.FileCheck{{Path: "/" + silentCheckSSOFile, Status: testNotStarted}},
	}
	if left := st.TokenExpiresIn(now); left != nil {
		view.TokenExpiry = now.Add(time.Duration(*left) * time.Second).Format(time.RFC1123)
	}
	if !run {
		return view
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range view.ServerTests {
		g.Go(func() error {
			view.ServerTests[i] = s.runServerTest(gctx, view.ServerTests[i])
			return nil
		})
	}
	g.Go(func() error {
		conn := c.TestConnection(gctx)
		view.Connection = &conn
		return nil
	})
	g.Go(func() error {
		view.FileChecks[0] = s.checkFile(view.FileChecks[0])
		return nil
	})
	g.Wait()
	return view
}

func (s *pageService) runServerTest(ctx context.Context, test api.ServerTest) api.ServerTest {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, test.URL, nil)
	if err != nil {
		test.Status, test.Error = testError, err.Error()
		return test
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Warn("server test failed", "test", test.Description, "error", err)
		test.Status = testError
		test.Error = fmt.Sprintf("Cannot connect to server, please try again later (%v)", err)
		return test
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	// Any answer below 500 proves the endpoint is served; the realm
	// configuration must also be a readable discovery document.
	if resp.StatusCode >= http.StatusInternalServerError {
		test.Status = testError
		test.Error = fmt.Sprintf("Error Code: %d, Message: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
		return test
	}
	test.Status = testSuccess
	test.Data = fmt.Sprintf("HTTP %d", resp.StatusCode)
	if test.Description == "Realm Configuration" {
		var doc map[string]any
		if resp.StatusCode != http.StatusOK || json.Unmarshal(body, &doc) != nil {
			test.Status = testError
			test.Error = fmt.Sprintf("Error Code: %d, Message: invalid discovery document", resp.StatusCode)
			test.Data = nil
			return test
		}
		test.Data = doc["issuer"]
	}
	return test
}

func (s *pageService) checkFile(check api.FileCheck) api.FileCheck {
	if s.static == nil {
		check.Status, check.Error = testError, "static files not available"
		return check
	}
	info, err := fs.Stat(s.static, strings.TrimPrefix(check.Path, "/"))
	switch {
	case err != nil:
		check.Status, check.Error = testError, err.Error()
	case info.IsDir():
		check.Status, check.Error = testError, "is a directory"
	default:
		check.Status = testSuccess
	}
	return check
}
