package client

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shelfward/shelfward/config"
)

func xmlString(s string) string {
	return fmt.Sprintf("<methodResponse><params><param><value><string>%s</string></value></param></params></methodResponse>", s)
}

func xmlInt(n int64) string {
	return fmt.Sprintf("<methodResponse><params><param><value><i8>%d</i8></value></param></params></methodResponse>", n)
}

func xmlFault(msg string) string {
	return fmt.Sprintf(`<methodResponse><fault><value><struct>
		<member><name>faultString</name><value><string>%s</string></value></member>
	</struct></value></fault></methodResponse>`, msg)
}

// rtServer decodes the methodName out of each call and lets the test answer
// per method.
func rtServer(t *testing.T, handle func(method string, body string) string) (*httptest.Server, Client) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var call struct {
			MethodName string `xml:"methodName"`
		}
		require.NoError(t, xml.Unmarshal(b, &call))

		w.Header().Set("Content-Type", "text/xml")
		fmt.Fprint(w, handle(call.MethodName, string(b)))
	}))
	t.Cleanup(srv.Close)

	cli, err := New(&config.ClientGlobal{
		Type:           config.ClientRTorrent,
		URL:            srv.URL + "/RPC2",
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	return srv, cli
}

func TestRtConnectReadsVersion(t *testing.T) {
	_, cli := rtServer(t, func(method, _ string) string {
		require.Equal(t, "system.client_version", method)
		return xmlString("0.9.8")
	})

	require.NoError(t, cli.Connect(context.Background()))

	st, err := cli.Status(context.Background())
	require.NoError(t, err)
	require.True(t, st.Connected)
	require.Equal(t, "0.9.8", st.Version)
}

func TestRtAddSetsCustomFields(t *testing.T) {
	var loadBody string
	_, cli := rtServer(t, func(method, body string) string {
		require.Equal(t, "load.start_verbose", method)
		loadBody = body
		return xmlInt(0)
	})

	id, err := cli.Add(context.Background(), AddRequest{
		URL:      "https://tracker.example/dl/1.torrent",
		Category: "audiobooks",
		SavePath: "/downloads",
		Tag:      "tag42",
	})
	require.NoError(t, err)
	require.Equal(t, "tag42", id, "rtorrent cannot report the hash synchronously")
	require.Contains(t, loadBody, "d.custom1.set")
	require.Contains(t, loadBody, "audiobooks")
	require.Contains(t, loadBody, "d.custom2.set")
	require.Contains(t, loadBody, "MID=tag42")
	require.Contains(t, loadBody, "d.directory.set")
}

func TestRtInfoAggregatesSerialCalls(t *testing.T) {
	answers := map[string]string{
		"d.name":             xmlString("Book"),
		"d.directory":        xmlString("/downloads/Book"),
		"d.completed_bytes":  xmlInt(500),
		"d.size_bytes":       xmlInt(1000),
		"d.down.rate":        xmlInt(100),
		"d.state":            xmlInt(1),
		"d.is_active":        xmlInt(1),
		"d.is_hash_checking": xmlInt(0),
		"d.complete":         xmlInt(0),
		"f.multicall": `<methodResponse><params><param><value><array><data>
			<value><array><data><value><string>book.m4b</string></value></data></array></value>
		</data></array></value></param></params></methodResponse>`,
	}
	_, cli := rtServer(t, func(method, _ string) string {
		resp, ok := answers[method]
		if !ok {
			return xmlFault("unexpected " + method)
		}
		return resp
	})

	info, err := cli.Info(context.Background(), "abcd")
	require.NoError(t, err)
	require.Equal(t, "abcd", info.Hash)
	require.Equal(t, "Book", info.Name)
	require.Equal(t, StateDownloading, info.State)
	require.InDelta(t, 0.5, info.Progress, 1e-9)
	require.Equal(t, int64(5), info.ETA)
	require.Equal(t, []string{"/downloads/Book/book.m4b"}, info.Files)
}

func TestRtInfoUnknownHashFault(t *testing.T) {
	_, cli := rtServer(t, func(_, _ string) string {
		return xmlFault("Could not find info-hash.")
	})

	_, err := cli.Info(context.Background(), "ffff")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRtResolveTagDecodesCustomField(t *testing.T) {
	_, cli := rtServer(t, func(method, _ string) string {
		require.Equal(t, "d.multicall2", method)
		return `<methodResponse><params><param><value><array><data>
			<value><array><data>
				<value><string>1111</string></value>
				<value><string>unrelated</string></value>
			</data></array></value>
			<value><array><data>
				<value><string>BEEF</string></value>
				<value><string>MID%3Dtag42</string></value>
			</data></array></value>
		</data></array></value></param></params></methodResponse>`
	})

	hash, err := cli.ResolveTag(context.Background(), "tag42")
	require.NoError(t, err)
	require.Equal(t, "beef", hash)
}

func TestBuildMethodCallEscapes(t *testing.T) {
	body := string(buildMethodCall("load.start_verbose", []any{"", `d.custom1.set="a<b"`}))
	require.True(t, strings.Contains(body, "a&lt;b"))
	require.False(t, strings.Contains(body, "a<b\""))
}
