package proxy

import (
	"net/http/httptest"
	"os"
	"testing"

	"github.com/gin-gonic/gin"
)

var testLogger = NewLogMonitorWriter(os.Stdout)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)

	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		testLogger.SetLogLevel(LevelDebug)
	case "info":
		testLogger.SetLogLevel(LevelInfo)
	case "warn":
		testLogger.SetLogLevel(LevelWarn)
	default:
		testLogger.SetLogLevel(LevelError)
	}

	os.Exit(m.Run())
}

// TestResponseRecorder adds CloseNotify to httptest.ResponseRecorder.
// gin's SSE paths can panic on a plain recorder otherwise:
// panic: interface conversion: *httptest.ResponseRecorder is not http.CloseNotifier
// Taken from gin's own tests.
type TestResponseRecorder struct {
	*httptest.ResponseRecorder
	closeChannel chan bool
}

func (r *TestResponseRecorder) CloseNotify() <-chan bool {
	return r.closeChannel
}

func CreateTestResponseRecorder() *TestResponseRecorder {
	return &TestResponseRecorder{
		httptest.NewRecorder(),
		make(chan bool, 1),
	}
}
