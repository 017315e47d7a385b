package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/aws/smithy-go"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

func TestParseFlags(t *testing.T) {
	testCases := []struct {
		name  string
		args  []string
		check func(*Config) bool
	}{
		{"defaults", nil, func(c *Config) bool {
			return c.Port == 9006 && c.TimeSlot == 5*time.Second && c.MaxFD == 65536 && !c.LogAsync
		}},
		{"long port", []string{"-port", "8080"}, func(c *Config) bool { return c.Port == 8080 }},
		{"short port", []string{"-p", "8081"}, func(c *Config) bool { return c.Port == 8081 }},
		{"async log", []string{"-l", "1"}, func(c *Config) bool { return c.LogAsync }},
		{"close log", []string{"-c", "1"}, func(c *Config) bool { return c.CloseLog }},
		{"linger", []string{"-o", "1"}, func(c *Config) bool { return c.Linger }},
		{"trigger mode", []string{"-m", "3"}, func(c *Config) bool { return c.TrigMode == 3 }},
		{"actor model", []string{"-a", "1"}, func(c *Config) bool { return c.ActorModel == 1 }},
		{"pools", []string{"-s", "4", "-t", "16"}, func(c *Config) bool { return c.SQLNum == 4 && c.ThreadNum == 16 }},
		{"timeslot", []string{"-timeslot", "2s"}, func(c *Config) bool { return c.TimeSlot == 2*time.Second }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := parse(tc.args, env(nil))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if !tc.check(cfg) {
				t.Errorf("unexpected config %+v", cfg)
			}
		})
	}
}

func TestParseRejectsBadFlags(t *testing.T) {
	for _, args := range [][]string{{"-port", "x"}, {"-l", "maybe"}, {"-nope"}} {
		if _, err := parse(args, env(nil)); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}

func TestEnvOverridesAndFlagPrecedence(t *testing.T) {
	vars := map[string]string{
		"TINYWEB_PORT":       "7000",
		"TINYWEB_THREAD_NUM": "3",
		"TINYWEB_LINGER":     "true",
		"TINYWEB_TIME_SLOT":  "10",
		"TINYWEB_DOC_ROOT":   "/srv/www",
	}

	cfg, err := parse([]string{"-port", "7001"}, env(vars))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Port != 7001 {
		t.Errorf("expected flag to win, got port %d", cfg.Port)
	}
	if cfg.ThreadNum != 3 || !cfg.Linger || cfg.DocRoot != "/srv/www" {
		t.Errorf("environment not applied: %+v", cfg)
	}
	if cfg.TimeSlot != 10*time.Second {
		t.Errorf("expected bare integer timeslot in seconds, got %v", cfg.TimeSlot)
	}

	if _, err := parse(nil, env(map[string]string{"TINYWEB_PORT": "eighty"})); err == nil {
		t.Error("expected error for malformed environment value")
	}
}

func TestTriggerModes(t *testing.T) {
	testCases := []struct {
		mode     int
		listenET bool
		connET   bool
	}{
		{0, false, false},
		{1, false, true},
		{2, true, false},
		{3, true, true},
	}

	for _, tc := range testCases {
		cfg := &Config{TrigMode: tc.mode}
		if cfg.ListenET() != tc.listenET || cfg.ConnET() != tc.connET {
			t.Errorf("mode %d: expected listen ET %v conn ET %v", tc.mode, tc.listenET, tc.connET)
		}
	}
}

func TestValidate(t *testing.T) {
	root := t.TempDir()

	testCases := []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"defaults", func(c *Config) {}, true},
		{"zero bcrypt cost uses default", func(c *Config) { c.BcryptCost = 0 }, true},
		{"port zero", func(c *Config) { c.Port = 0 }, false},
		{"port too large", func(c *Config) { c.Port = 70000 }, false},
		{"trigger mode", func(c *Config) { c.TrigMode = 4 }, false},
		{"actor model", func(c *Config) { c.ActorModel = 2 }, false},
		{"no threads", func(c *Config) { c.ThreadNum = 0 }, false},
		{"no db pool", func(c *Config) { c.SQLNum = 0 }, false},
		{"no queue", func(c *Config) { c.MaxRequests = 0 }, false},
		{"no fds", func(c *Config) { c.MaxFD = 0 }, false},
		{"no timeslot", func(c *Config) { c.TimeSlot = 0 }, false},
		{"async without queue", func(c *Config) { c.LogAsync = true; c.LogQueueSize = 0 }, false},
		{"bcrypt too low", func(c *Config) { c.BcryptCost = 1 }, false},
		{"missing root", func(c *Config) { c.DocRoot = root + "/missing" }, false},
		{"empty root", func(c *Config) { c.DocRoot = "" }, false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.DocRoot = root
			tc.modify(cfg)

			err := cfg.Validate()
			if tc.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.valid && !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestSetUnknownKey(t *testing.T) {
	cfg := Default()
	if err := cfg.Set("does_not_exist", "1"); err == nil {
		t.Error("expected error for unknown key")
	}
	if err := cfg.Set("THREAD_NUM", " 12 "); err != nil || cfg.ThreadNum != 12 {
		t.Errorf("expected case-insensitive key, got %v %d", err, cfg.ThreadNum)
	}
	if len(Keys()) == 0 {
		t.Error("expected keys")
	}
}

type fakeSSM struct {
	pages    []*ssm.GetParametersByPathOutput
	failures int
	// err is returned for each failure; throttling when nil.
	err   error
	calls int
	paths []string
}

var errThrottled = &smithy.GenericAPIError{Code: "ThrottlingException", Message: "rate exceeded", Fault: smithy.FaultClient}

func (f *fakeSSM) GetParametersByPath(ctx context.Context, in *ssm.GetParametersByPathInput, _ ...func(*ssm.Options)) (*ssm.GetParametersByPathOutput, error) {
	f.calls++
	f.paths = append(f.paths, aws.ToString(in.Path))
	if f.failures > 0 {
		f.failures--
		if f.err != nil {
			return nil, f.err
		}
		return nil, errThrottled
	}
	idx := 0
	if in.NextToken != nil {
		idx = 1
	}
	return f.pages[idx], nil
}

func param(name, value string) types.Parameter {
	return types.Parameter{Name: aws.String(name), Value: aws.String(value)}
}

func TestOverlay(t *testing.T) {
	pageBackoff = time.Millisecond
	defer func() { pageBackoff = time.Second }()

	client := &fakeSSM{
		failures: 1,
		pages: []*ssm.GetParametersByPathOutput{
			{
				Parameters: []types.Parameter{
					param("/tinyweb/prod/thread_num", "32"),
					param("/tinyweb/prod/linger", "true"),
				},
				NextToken: aws.String("page2"),
			},
			{
				Parameters: []types.Parameter{
					param("/tinyweb/prod/time_slot", "3s"),
					param("/tinyweb/prod/unknown", "x"),
					param("/tinyweb/prod/port", "not-a-port"),
				},
			},
		},
	}

	cfg := Default()
	loader := &Loader{ssm: client}
	applied, err := loader.Overlay(context.Background(), cfg, "/tinyweb/prod/")
	if err != nil {
		t.Fatalf("Overlay: %v", err)
	}
	if applied != 3 {
		t.Errorf("expected 3 parameters applied, got %d", applied)
	}
	if cfg.ThreadNum != 32 || !cfg.Linger || cfg.TimeSlot != 3*time.Second {
		t.Errorf("overlay not applied: %+v", cfg)
	}
	if cfg.Port != 9006 {
		t.Errorf("malformed parameter changed port to %d", cfg.Port)
	}
	if client.calls != 3 {
		t.Errorf("expected one retry plus two pages, got %d calls", client.calls)
	}
}

func TestOverlayFailures(t *testing.T) {
	pageBackoff = time.Millisecond
	defer func() { pageBackoff = time.Second }()

	page := &ssm.GetParametersByPathOutput{Parameters: []types.Parameter{param("/p/thread_num", "4")}}

	testCases := []struct {
		name      string
		failures  int
		err       error
		wantErr   bool
		wantCalls int
	}{
		{"throttling retried", 2, nil, false, 3},
		{"server fault retried", 1, &smithy.GenericAPIError{Code: "InternalServerError", Fault: smithy.FaultServer}, false, 2},
		{"transport error retried", 1, errors.New("connection reset"), false, 2},
		{"access denied fails at once", 5, &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient}, true, 1},
		{"attempts exhausted", 10, nil, true, pageAttempts},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeSSM{failures: tc.failures, err: tc.err, pages: []*ssm.GetParametersByPathOutput{page}}
			cfg := Default()
			_, err := (&Loader{ssm: client}).Overlay(context.Background(), cfg, "/p")
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error %v, got %v", tc.wantErr, err)
			}
			if client.calls != tc.wantCalls {
				t.Errorf("expected %d calls, got %d", tc.wantCalls, client.calls)
			}
			if !tc.wantErr && cfg.ThreadNum != 4 {
				t.Errorf("expected overlay applied after retries, got %d threads", cfg.ThreadNum)
			}
		})
	}
}

func TestOverlayStopsOnCancel(t *testing.T) {
	pageBackoff = time.Hour
	defer func() { pageBackoff = time.Second }()

	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeSSM{failures: 1}
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := (&Loader{ssm: client}).Overlay(ctx, Default(), "/p")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if client.calls != 1 {
		t.Errorf("expected no retry after cancel, got %d calls", client.calls)
	}
}
