package sl4a

import (
	"context"
	"testing"
)

func TestManagerStartAgentNotInstalled(t *testing.T) {
	adb := newFakeAdb("NOTINSTALLED")
	adb.shellFunc = func(cmd string) ([]byte, error) {
		return []byte(""), nil
	}

	m := ObtainManager(testLogger(), adb, nil, "com.example.agent")
	defer func() {
		managersMu.Lock()
		delete(managers, adb.Serial())
		managersMu.Unlock()
	}()

	err := m.StartAgent(context.Background())
	if _, ok := err.(*NotInstalledError); !ok {
		t.Fatalf("StartAgent err = %v (%T), want *NotInstalledError", err, err)
	}
}

func TestObtainManagerReturnsSameInstanceForSerial(t *testing.T) {
	adb := newFakeAdb("DUPSERIAL")
	m1 := ObtainManager(testLogger(), adb, nil, "com.example.agent")
	m2 := ObtainManager(testLogger(), adb, nil, "com.example.agent")
	defer func() {
		managersMu.Lock()
		delete(managers, adb.Serial())
		managersMu.Unlock()
	}()

	if m1 != m2 {
		t.Error("ObtainManager returned different instances for the same serial")
	}
}

func TestManagerObtainServerPortReusesKnownPort(t *testing.T) {
	adb := newFakeAdb("KNOWNPORT")
	m := ObtainManager(testLogger(), adb, nil, "com.example.agent")
	defer func() {
		managersMu.Lock()
		delete(managers, adb.Serial())
		managersMu.Unlock()
	}()

	m.mu.Lock()
	m.knownPorts[9999] = struct{}{}
	m.mu.Unlock()

	port, err := m.ObtainServerPort(context.Background(), 9999)
	if err != nil {
		t.Fatalf("ObtainServerPort: %v", err)
	}
	if port != 9999 {
		t.Errorf("port = %d, want 9999 (reused, not re-discovered)", port)
	}
}
