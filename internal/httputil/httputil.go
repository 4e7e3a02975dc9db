// Package httputil holds the HTTP protocol settings shared by devbox-server
// and devboxctl.
package httputil

import (
	"net/http"
	"net/url"
	"time"
)

// ServerProtocols enables HTTP/1 and unencrypted HTTP/2 (h2c). HTTP/1 stays
// on because websocket upgrades need it.
func ServerProtocols() *http.Protocols {
	p := new(http.Protocols)
	p.SetHTTP1(true)
	p.SetUnencryptedHTTP2(true)
	return p
}

// NewClient returns a client for the API at baseURL. Plain http:// servers
// are spoken to over h2c, https:// ones with the default protocols.
func NewClient(baseURL string, timeout time.Duration) (*http.Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, err
	}
	c := &http.Client{Timeout: timeout}
	if u.Scheme == "http" {
		c.Transport = &http.Transport{Protocols: h2cProtocols()}
	}
	return c, nil
}

func h2cProtocols() *http.Protocols {
	p := new(http.Protocols)
	p.SetUnencryptedHTTP2(true)
	return p
}
