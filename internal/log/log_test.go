package log

import (
	"path/filepath"
	"testing"
)

func TestLoggingBeforeInit(t *testing.T) {
	if GetSugaredLogger() == nil {
		t.Fatal("sugared logger must be usable before Init")
	}
	if GetZapLogger() == nil {
		t.Fatal("base logger must be usable before Init")
	}

	// None of these may panic without a prior Init.
	Debug("debug before init")
	Debugf("debugf %d", 1)
	Info("info before init")
	Infof("infof %s", "x")
	Infow("infow", "key", "value")
	Warn("warn before init")
	Warnf("warnf %v", true)
	Error("error before init")
	Errorf("errorf %d", 2)
	Sync()
}

func TestInitReplacesLogger(t *testing.T) {
	before := GetSugaredLogger()
	if err := Init(true, ""); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if GetSugaredLogger() == before {
		t.Error("Init should install a fresh logger")
	}
	Infof("after init %d", 3)
}

func TestInitWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.log")
	if err := Init(false, path); err != nil {
		t.Fatalf("Init with file: %v", err)
	}
	Info("to rotating file")
	Sync()
}
