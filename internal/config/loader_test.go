package config

import "testing"

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
NetworkTimeout = "boom"

[Origin]
Upstream = "http://localhost:3000"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadAcceptsSecondsDuration(t *testing.T) {
	cfg := `
StoragePath = "./data"
SyncInterval = 45

[Origin]
Upstream = "https://origin.example.com/"

[Durable]
Backend = "LevelDB"
`
	path := writeTempConfig(t, cfg)
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	if got := loaded.Global.SyncInterval.DurationValue().Seconds(); got != 45 {
		t.Fatalf("纯秒整数应被识别，得到 %v", got)
	}
	if loaded.Origin.Upstream != "https://origin.example.com" {
		t.Fatalf("Upstream 末尾斜杠应被去除: %s", loaded.Origin.Upstream)
	}
	if loaded.Durable.Backend != "leveldb" {
		t.Fatalf("Backend 应被标准化为小写: %s", loaded.Durable.Backend)
	}
}
