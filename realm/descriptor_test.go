package realm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbisworld/orbis/internal/httpclient"
)

const aboutDoc = `{
  "configurations": {"realmName": "grove", "networkId": 1},
  "content": {"publicUrl": "https://peer.example/content/"},
  "lambdas": {"publicUrl": "https://peer.example/lambdas"},
  "comms": {"protocol": "v3", "adapter": "archipelago:wss://archipelago.example/ws"}
}`

func TestResolveDescriptor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/about", r.URL.Path)
		w.Write([]byte(aboutDoc))
	}))
	t.Cleanup(srv.Close)

	d, err := Resolve(context.Background(), httpclient.WrapClient(srv.Client()), srv.URL+"/")
	require.NoError(t, err)

	assert.Equal(t, "grove", d.Configurations.RealmName)
	assert.Equal(t, "https://peer.example/content/entities/active", d.EntitiesActiveURL())
	assert.Equal(t, "https://peer.example/content/contents/", d.ContentsBaseURL())
	assert.Equal(t, "archipelago:wss://archipelago.example/ws", d.CommsAdapter())
}

func TestResolveDescriptorFixedAdapterWins(t *testing.T) {
	doc := `{"comms": {"protocol": "v3", "adapter": "a", "fixedAdapter": "ws-room:wss://rooms.example/r1"}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(doc))
	}))
	t.Cleanup(srv.Close)

	d, err := Resolve(context.Background(), httpclient.WrapClient(srv.Client()), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ws-room:wss://rooms.example/r1", d.CommsAdapter())
}

func TestResolveDescriptorErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	_, err := Resolve(context.Background(), httpclient.WrapClient(srv.Client()), srv.URL)
	assert.Error(t, err)
}
