package monitor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestPrometheusMiddlewareUsesRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/retrieve_btc/:block_index", func(c *gin.Context) { c.Status(http.StatusOK) })

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/retrieve_btc/:block_index", "200"))
	for _, p := range []string{"/retrieve_btc/1", "/retrieve_btc/2", "/missing"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, p, nil))
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/retrieve_btc/:block_index", "200"))
	assert.Equal(t, 2.0, after-before)
}

func TestUnaryServerInterceptorRecordsCode(t *testing.T) {
	icpt := UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/btcminter.v1.Minter/RetrieveBtc"}

	_, err := icpt(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.FailedPrecondition, "insufficient funds")
	})
	require.Error(t, err)
	_, err = icpt(context.Background(), nil, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(GRPCRequestsTotal.WithLabelValues(info.FullMethod, "FailedPrecondition")))
	assert.Equal(t, 1.0, testutil.ToFloat64(GRPCRequestsTotal.WithLabelValues(info.FullMethod, "OK")))
}
