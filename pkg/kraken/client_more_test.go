package kraken

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServerTime(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/public/Time", r.URL.Path)
		fmt.Fprint(w, `{"error":[],"result":{"unixtime":1700000000,"rfc1123":"Wed, 15 Nov 23 22:13:20 +0000"}}`)
	}))
	ts, err := client.ServerTime(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1700000000), ts)
}

func TestAssets(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"XXDG":{"altname":"XDG"},"ZUSD":{"altname":"USD"}}}`)
	}))
	assets, err := client.Assets(context.Background())
	require.NoError(t, err)
	require.Equal(t, "XDG", assets["XXDG"])
	require.Equal(t, "USD", assets["ZUSD"])
}

func TestOpenOrdersDecoding(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"error":[],"result":{"open":{
			"OAAA-1":{"status":"open","opentm":1700000050.1,"vol":"100","vol_exec":"25",
				"descr":{"pair":"XDGUSD","type":"buy","ordertype":"limit","price":"0.08"}},
			"OBBB-2":{"status":"open","opentm":1700000010.5,"vol":"50","vol_exec":"0",
				"descr":{"pair":"XDGUSD","type":"sell","ordertype":"market","price":"0"}}
		}}}`)
	}))

	orders, err := client.OpenOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 2)
	// Sorted by open time.
	require.Equal(t, "OBBB-2", orders[0].TxID)
	require.Equal(t, "OAAA-1", orders[1].TxID)
	require.Equal(t, "buy", orders[1].Side)
	require.InDelta(t, 25, orders[1].VolumeExe, 1e-9)
	require.InDelta(t, 0.08, orders[1].Price, 1e-9)
}

func TestClosedOrdersDecoding(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/ClosedOrders", r.URL.Path)
		fmt.Fprint(w, `{"error":[],"result":{"closed":{
			"OCCC-3":{"status":"closed","closetm":1700000100.2,"vol":"100","vol_exec":"100",
				"cost":"8.0","fee":"0.02","price":"0.08",
				"descr":{"pair":"XDGUSD","type":"buy","ordertype":"limit","price":"0.08"}}
		}}}`)
	}))

	orders, err := client.ClosedOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	require.Equal(t, "OCCC-3", orders[0].TxID)
	require.InDelta(t, 8.0, orders[0].Cost, 1e-9)
	require.InDelta(t, 0.02, orders[0].Fee, 1e-9)
	require.Equal(t, "closed", orders[0].Status)
}

func TestCancelOrder(t *testing.T) {
	var form url.Values
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/CancelOrder", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		form, _ = url.ParseQuery(string(body))
		fmt.Fprint(w, `{"error":[],"result":{"count":1}}`)
	}))
	require.NoError(t, client.CancelOrder(context.Background(), "OAAA-1"))
	require.Equal(t, "OAAA-1", form.Get("txid"))
}

func TestCancelAll(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/0/private/CancelAll", r.URL.Path)
		fmt.Fprint(w, `{"error":[],"result":{"count":3}}`)
	}))
	count, err := client.CancelAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestPrivateWithoutCredentials(t *testing.T) {
	client, err := NewClient("", "")
	require.NoError(t, err)
	_, err = client.Balance(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "credentials")
}
