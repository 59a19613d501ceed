package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gammaServer(t *testing.T, body string) *GammaClient {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.Equal(t, "0xmarket", r.URL.Query().Get("condition_ids"))
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return NewGammaClient(srv.URL, 0, 1, 0)
}

func TestGamma_Prices(t *testing.T) {
	g := gammaServer(t, `[{"conditionId":"0xmarket","closed":false,"outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"0.92\",\"0.08\"]"}]`)

	snap, err := g.GetOutcomePrices(context.Background(), "0xmarket")
	require.NoError(t, err)
	assert.Nil(t, snap.Resolved)
	assert.Nil(t, snap.WinningOutcome)

	p, ok := snap.PriceOf("yes")
	require.True(t, ok)
	assert.InDelta(t, 0.92, p, 1e-9)
	_, ok = snap.PriceOf("Maybe")
	assert.False(t, ok)
}

func TestGamma_Resolved(t *testing.T) {
	g := gammaServer(t, `[{"conditionId":"0xmarket","closed":true,"umaResolutionStatus":"resolved","outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"0\",\"1\"]"}]`)

	snap, err := g.GetOutcomePrices(context.Background(), "0xmarket")
	require.NoError(t, err)
	require.NotNil(t, snap.Resolved)
	assert.True(t, *snap.Resolved)
	require.NotNil(t, snap.WinningOutcome)
	assert.Equal(t, "No", *snap.WinningOutcome)
}

func TestGamma_ClosedIsNotResolved(t *testing.T) {
	g := gammaServer(t, `[{"conditionId":"0xmarket","closed":true,"outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"0.95\",\"0.05\"]"}]`)

	snap, err := g.GetOutcomePrices(context.Background(), "0xmarket")
	require.NoError(t, err)
	assert.Nil(t, snap.Resolved)
}

func TestGamma_MalformedPayloads(t *testing.T) {
	bodies := map[string]string{
		"length mismatch": `[{"conditionId":"0xmarket","outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"0.5\"]"}]`,
		"bad price":       `[{"conditionId":"0xmarket","outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"abc\",\"0.5\"]"}]`,
		"out of range":    `[{"conditionId":"0xmarket","outcomes":"[\"Yes\",\"No\"]","outcomePrices":"[\"1.5\",\"0.5\"]"}]`,
		"not encoded":     `[{"conditionId":"0xmarket","outcomes":"Yes,No","outcomePrices":"0.5,0.5"}]`,
		"empty":           `[{"conditionId":"0xmarket","outcomes":"[]","outcomePrices":"[]"}]`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			g := gammaServer(t, body)
			_, err := g.GetOutcomePrices(context.Background(), "0xmarket")
			ee, ok := AsExchangeError(err)
			require.True(t, ok)
			assert.Equal(t, ReasonBadResponse, ee.Reason)
		})
	}
}

func TestGamma_UnknownMarket(t *testing.T) {
	g := gammaServer(t, `[]`)
	_, err := g.GetOutcomePrices(context.Background(), "0xmarket")
	ee, ok := AsExchangeError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonNotFound, ee.Reason)
}

func TestDataClient_GetPosition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions", r.URL.Path)
		assert.Equal(t, "0xabc", r.URL.Query().Get("user"))
		w.Write([]byte(`[{"conditionId":"0xmarket","outcome":"Yes","size":12.5},{"conditionId":"0xmarket","outcome":"No","size":0.001}]`))
	}))
	defer srv.Close()
	d := NewDataClient(srv.URL, 0, 1, 0)

	pos, err := d.GetPosition(context.Background(), "0xABC", "0xmarket", "Yes")
	require.NoError(t, err)
	assert.True(t, pos.Held)
	assert.InDelta(t, 12.5, pos.Size, 1e-9)

	pos, err = d.GetPosition(context.Background(), "0xABC", "0xmarket", "No")
	require.NoError(t, err)
	assert.False(t, pos.Held)
}
