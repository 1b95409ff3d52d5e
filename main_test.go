package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestResolveConfigPathPriority(t *testing.T) {
	t.Setenv(configEnv, "/tmp/env.toml")

	if got := resolveConfigPath(""); got != "/tmp/env.toml" {
		t.Fatalf("应优先使用环境变量，得到 %s", got)
	}
	if got := resolveConfigPath("/tmp/flag.toml"); got != "/tmp/flag.toml" {
		t.Fatalf("flag 应高于环境变量，得到 %s", got)
	}

	t.Setenv(configEnv, "")
	if got := resolveConfigPath(""); got != "config.toml" {
		t.Fatalf("缺省应使用 config.toml，得到 %s", got)
	}
}

func TestCheckConfigSuccess(t *testing.T) {
	useBufferWriters(t)
	code := execute(context.Background(), []string{"check-config", "--config", configFixture(t, "valid.toml")})
	if code != 0 {
		t.Fatalf("期望退出码 0，得到 %d (stderr=%s)", code, stdErrBuffer().String())
	}
}

func TestCheckConfigFailure(t *testing.T) {
	useBufferWriters(t)
	code := execute(context.Background(), []string{"check-config", "--config", configFixture(t, "missing.toml")})
	if code == 0 {
		t.Fatalf("无效配置应返回非零退出码")
	}
	if !strings.Contains(stdErrBuffer().String(), "加载配置失败") {
		t.Fatalf("stderr 应包含错误原因，得到 %s", stdErrBuffer().String())
	}
}

func TestVersionOutput(t *testing.T) {
	useBufferWriters(t)
	code := execute(context.Background(), []string{"version"})
	if code != 0 {
		t.Fatalf("version 应成功退出，得到 %d", code)
	}
	if !strings.Contains(stdOut.(*bytes.Buffer).String(), "offline-hub") {
		t.Fatalf("version 输出应包含 offline-hub 标识")
	}
}

func TestUnknownCommandFails(t *testing.T) {
	useBufferWriters(t)
	if code := execute(context.Background(), []string{"bogus"}); code == 0 {
		t.Fatalf("未知子命令应返回非零退出码")
	}
}
