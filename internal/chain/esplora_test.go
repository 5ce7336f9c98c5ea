package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"btc-minter/pkg/config"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	confirmedTx   = "1111111111111111111111111111111111111111111111111111111111111111"
	unconfirmedTx = "2222222222222222222222222222222222222222222222222222222222222222"
)

func newTestServer(t *testing.T, failures int32) (*httptest.Server, *int32) {
	var calls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/blocks/tip/height", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) <= failures {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "105")
	})
	mux.HandleFunc("/address/bcrt1qtest/utxo", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"txid": %q, "vout": 1, "value": 50000, "status": {"confirmed": true, "block_height": 100}},
			{"txid": %q, "vout": 0, "value": 7000, "status": {"confirmed": false}}
		]`, confirmedTx, unconfirmedTx)
	})
	mux.HandleFunc("/tx/"+confirmedTx+"/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"confirmed": true, "block_height": 103, "block_hash": "00"}`)
	})
	mux.HandleFunc("/tx/"+unconfirmedTx+"/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"confirmed": false}`)
	})
	mux.HandleFunc("/tx", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, _ := io.ReadAll(r.Body)
		if string(body) != "deadbeef" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, "sendrawtransaction RPC error: bad-txns")
			return
		}
		fmt.Fprint(w, confirmedTx)
	})
	mux.HandleFunc("/fee-estimates", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"1": 25.3, "3": 12.0, "6": 4.2, "144": 1.0}`)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestClient(url string, dynamic bool) *EsploraClient {
	return NewEsploraClient(config.IndexerConfig{
		URL:            url + "/",
		RequestTimeout: 5 * time.Second,
		MaxRetries:     2,
		DynamicFees:    dynamic,
	}, 10, nil)
}

func TestEsploraGetUtxos(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	c := newTestClient(srv.URL, false)
	ctx := context.Background()

	all, err := c.GetUtxos(ctx, "bcrt1qtest", 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, uint32(6), all[0].Confirmations)
	assert.Equal(t, uint32(100), all[0].Height)
	assert.Equal(t, uint64(50_000), all[0].Value)
	assert.Equal(t, uint32(1), all[0].OutPoint.Vout)
	assert.Equal(t, confirmedTx, all[0].OutPoint.TxID.String())
	assert.Equal(t, uint32(0), all[1].Confirmations)

	deep, err := c.GetUtxos(ctx, "bcrt1qtest", 6)
	require.NoError(t, err)
	assert.Len(t, deep, 1)

	none, err := c.GetUtxos(ctx, "bcrt1qtest", 7)
	require.NoError(t, err)
	assert.Empty(t, none)

	// 没有记录的地址
	empty, err := c.GetUtxos(ctx, "bcrt1qother", 1)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEsploraRetriesServerErrors(t *testing.T) {
	srv, calls := newTestServer(t, 2)
	c := newTestClient(srv.URL, false)

	tip, err := c.GetTipHeight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(105), tip)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))

	srv2, _ := newTestServer(t, 10)
	_, err = newTestClient(srv2.URL, false).GetTipHeight(context.Background())
	assert.Error(t, err)
}

func TestEsploraConfirmations(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	c := newTestClient(srv.URL, false)
	ctx := context.Background()

	h, err := chainhash.NewHashFromStr(confirmedTx)
	require.NoError(t, err)
	n, err := c.GetConfirmations(ctx, *h)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), n)

	h, err = chainhash.NewHashFromStr(unconfirmedTx)
	require.NoError(t, err)
	n, err = c.GetConfirmations(ctx, *h)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 索引器不认识的交易
	n, err = c.GetConfirmations(ctx, chainhash.DoubleHashH([]byte("unknown")))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEsploraSubmitTransaction(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	c := newTestClient(srv.URL, false)
	raw, _ := hex.DecodeString("deadbeef")

	txid, err := c.SubmitTransaction(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, confirmedTx, txid.String())

	_, err = c.SubmitTransaction(context.Background(), []byte{0x01})
	assert.ErrorContains(t, err, "bad-txns")
}

func TestEsploraFeeRate(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	ctx := context.Background()

	rate, err := newTestClient(srv.URL, false).FeeRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rate)

	rate, err = newTestClient(srv.URL, true).FeeRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), rate)

	// 接口不可用时退回默认值
	down := newTestClient("http://127.0.0.1:1", true)
	down.cfg.MaxRetries = 0
	rate, err = down.FeeRate(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), rate)
}
