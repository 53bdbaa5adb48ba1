package marketplace

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// httpConnectDialer implements proxy.Dialer over an HTTP CONNECT
// proxy, for workspaces configured with an http:// or https://
// proxy_uri rather than socks5:// (spec.md section 4.7: "routed
// through a SOCKS5/HTTP proxy").
type httpConnectDialer struct {
	proxyAddr string
	user      string
	pass      string
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("marketplace: dialing http proxy: %w", err)
	}
	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.user != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(d.user + ":" + d.pass))
		req.Header.Set("Proxy-Authorization", "Basic "+auth)
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("marketplace: writing CONNECT request: %w", err)
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("marketplace: reading CONNECT response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("marketplace: proxy CONNECT failed: %s", resp.Status)
	}
	return conn, nil
}
