package scenario

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchSeries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "dersched/"))
		switch r.URL.Path {
		case "/demand.csv":
			var b strings.Builder
			b.WriteString("value\n")
			for i := 0; i < 8760; i++ {
				fmt.Fprintf(&b, "%d\n", i%5)
			}
			w.Write([]byte(b.String()))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()
	ctx := context.Background()

	t.Run("Download", func(t *testing.T) {
		values, err := FetchSeries(ctx, server.URL+"/demand.csv")
		require.NoError(t, err)
		require.Len(t, values, 8760)
		assert.Equal(t, 4.0, values[4])
	})

	t.Run("Not Found", func(t *testing.T) {
		_, err := FetchSeries(ctx, server.URL+"/missing.csv")
		assert.ErrorContains(t, err, "unexpected status 404")
	})

	t.Run("Scenario With Remote Demand", func(t *testing.T) {
		dir := t.TempDir()
		path := writeFile(t, dir, "remote.yaml", "year: 2023\ndemand: "+server.URL+"/demand.csv\n")
		sc, err := Load(ctx, path)
		require.NoError(t, err)
		assert.Len(t, sc.Demand, 8760)
	})
}
