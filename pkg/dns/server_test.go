package dns

import (
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-mesh/internal/config"
)

func TestNewServerRejectsUnknownProtocol(t *testing.T) {
	_, err := NewServer(ServerConfig{Protocol: "sctp"}, nil, config.NewNopLogger())
	assert.Error(t, err)
}

func TestServerAnswersOverUDPAndTCP(t *testing.T) {
	h, counter := newTestHandler(nil)

	server, err := NewServer(ServerConfig{
		ListenAddress: "127.0.0.1",
		Port:          0,
		Protocol:      "both",
	}, h, config.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, server.Start(), "启动DNS服务器失败")
	defer server.Shutdown()

	udpAddr := server.Addr("udp")
	tcpAddr := server.Addr("tcp")
	require.NotEmpty(t, udpAddr)
	assert.Equal(t, udpAddr, tcpAddr)

	for _, proto := range []string{"udp", "tcp"} {
		t.Run(proto, func(t *testing.T) {
			client := &dns.Client{Net: proto, Timeout: 2 * time.Second}
			msg := new(dns.Msg)
			msg.SetQuestion("orders.mesh.local.", dns.TypeA)

			response, _, err := client.Exchange(msg, server.Addr(proto))
			require.NoError(t, err, "DNS查询失败")
			assert.Equal(t, dns.RcodeSuccess, response.Rcode)
			assert.True(t, response.Authoritative)
			assert.Len(t, response.Answer, 2)
		})
	}
	assert.EqualValues(t, 2, counter.n.Load())

	require.NoError(t, server.Shutdown())
	assert.Empty(t, server.Addr("udp"))
}
