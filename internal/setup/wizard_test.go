package setup

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestPrompt_WithInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("custom-value\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default")
	if result != "custom-value" {
		t.Errorf("prompt() = %q, want %q", result, "custom-value")
	}
	if !strings.Contains(out.String(), "Enter value: ") {
		t.Error("prompt should print the message to out")
	}
}

func TestPrompt_EmptyInput(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("\n")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "default-val")
	if result != "default-val" {
		t.Errorf("prompt() = %q, want %q", result, "default-val")
	}
}

func TestPrompt_EOF(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("")
	scanner := bufio.NewScanner(in)

	result := prompt(scanner, &out, "Enter value: ", "fallback")
	if result != "fallback" {
		t.Errorf("prompt() = %q, want %q on EOF", result, "fallback")
	}
}

func TestPromptPort_InvalidThenValid(t *testing.T) {
	var out bytes.Buffer
	in := strings.NewReader("notaport\n9090\n")
	scanner := bufio.NewScanner(in)

	result := promptPort(scanner, &out, "Port: ", "8080")
	if result != "9090" {
		t.Errorf("promptPort() = %q, want %q", result, "9090")
	}
	if !strings.Contains(out.String(), "Invalid port") {
		t.Error("should warn about the invalid port")
	}
}

func TestGenerateConfig(t *testing.T) {
	content := generateConfig("127.0.0.1:8080", "./chatrelay.db", "127.0.0.1:8081", "", false)
	if !strings.Contains(content, `listen_address: "127.0.0.1:8080"`) {
		t.Error("config should contain listen_address")
	}
	if !strings.Contains(content, `path: "./chatrelay.db"`) {
		t.Error("config should contain store path")
	}
	if !strings.Contains(content, `auth_token: ""`) {
		t.Error("config should contain empty auth_token")
	}
	if !strings.Contains(content, "metrics_enabled: false") {
		t.Error("config should contain metrics_enabled")
	}
}

func TestGenerateConfig_WithAuthToken(t *testing.T) {
	content := generateConfig("127.0.0.1:8080", "./chatrelay.db", "127.0.0.1:8081", "mysecret", true)
	if !strings.Contains(content, `auth_token: "mysecret"`) {
		t.Error("config should contain the auth token")
	}
	if !strings.Contains(content, "metrics_enabled: true") {
		t.Error("config should enable metrics")
	}
}

func TestWriteConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "subdir", "config.yaml")
	content := "test: value\n"

	var out bytes.Buffer
	err := writeConfig(path, content, false, &out)
	if err != nil {
		t.Fatalf("writeConfig() error: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading written config: %v", err)
	}
	if string(data) != content {
		t.Errorf("config content = %q, want %q", string(data), content)
	}

	info, _ := os.Stat(path)
	if info.Mode().Perm() != 0640 {
		t.Errorf("config permissions = %o, want 0640", info.Mode().Perm())
	}
}

func TestRunWizard_AllDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// Prompts: listen host, listen port, store path, health port,
	// auth token, metrics
	storePath := filepath.Join(dir, "chatrelay.db")
	input := strings.Join([]string{
		"",        // listen host (accept default)
		"",        // listen port (accept default)
		storePath, // store path
		"",        // health port (accept default)
		"",        // auth token (none)
		"",        // metrics (no)
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, WizardOptions{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	output := out.String()
	if !strings.Contains(output, "Setup complete!") {
		t.Error("wizard should print completion message")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if !strings.Contains(string(data), "127.0.0.1:8080") {
		t.Error("config should contain the default listen address")
	}
}

func TestRunWizard_CustomValues(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	storePath := filepath.Join(dir, "relay.db")

	input := strings.Join([]string{
		"0.0.0.0",         // listen host
		"9090",            // listen port
		storePath,         // store path
		"9091",            // health port
		"my-secret-token", // auth token
		"y",               // metrics
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, WizardOptions{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("reading config: %v", err)
	}
	content := string(data)
	if !strings.Contains(content, "0.0.0.0:9090") {
		t.Error("config should contain custom listen address")
	}
	if !strings.Contains(content, "127.0.0.1:9091") {
		t.Error("config should contain custom health address")
	}
	if !strings.Contains(content, `"my-secret-token"`) {
		t.Error("config should contain auth token")
	}
	if !strings.Contains(content, "metrics_enabled: true") {
		t.Error("config should enable metrics")
	}
}

func TestRunWizard_ExistingConfig_NoOverwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// Create existing config
	os.WriteFile(configPath, []byte("existing"), 0640)

	input := strings.Join([]string{
		"",  // listen host
		"",  // listen port
		"",  // store path
		"",  // health port
		"",  // auth token
		"",  // metrics
		"n", // don't overwrite
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, WizardOptions{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if string(data) != "existing" {
		t.Error("config should not be overwritten when user says no")
	}
	if !strings.Contains(out.String(), "Setup cancelled") {
		t.Error("should print cancellation message")
	}
}

func TestRunWizard_ExistingConfig_Overwrite(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	storePath := filepath.Join(dir, "relay.db")

	os.WriteFile(configPath, []byte("old"), 0640)

	input := strings.Join([]string{
		"",        // listen host
		"",        // listen port
		storePath, // store path
		"",        // health port
		"",        // auth token
		"",        // metrics
		"y",       // overwrite
	}, "\n") + "\n"

	var out bytes.Buffer
	err := RunWizard(strings.NewReader(input), &out, WizardOptions{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("RunWizard() error: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), "listen_address") {
		t.Error("config should be overwritten with new content")
	}
}

func TestRunWizard_EOF_UsesDefaults(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")

	// EOF on stdin — every prompt falls back to its default.
	var out bytes.Buffer
	err := RunWizard(strings.NewReader(""), &out, WizardOptions{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("RunWizard() should succeed with all defaults: %v", err)
	}

	data, _ := os.ReadFile(configPath)
	if !strings.Contains(string(data), "127.0.0.1:8080") {
		t.Error("config should contain the default listen address")
	}
}

func TestCheckPortAvailable(t *testing.T) {
	if reason := checkPortAvailable("127.0.0.1", "0"); reason != "" {
		t.Errorf("port 0 should always be available, got %q", reason)
	}
}
