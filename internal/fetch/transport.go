package fetch

import "net/http"

// Transport 让进程内的 http.Client 直接经过缓存策略，效果等同于访问本地监听端口。
// Orchestrator 的 Client 必须是真实的网络出口，不能再指向本 Transport。
type Transport struct {
	Orchestrator *Orchestrator
}

// RoundTrip 实现 http.RoundTripper。
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, _, err := t.Orchestrator.Serve(req.Context(), req)
	return resp, err
}
