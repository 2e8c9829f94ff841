package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// PushSink forwards events to an external push-notification relay
// (FCM-style HTTP endpoint) for riders without a live socket.
type PushSink struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewPushSink(endpoint, key string) *PushSink {
	return &PushSink{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (p *PushSink) Deliver(topic string, ev Event) error {
	body := map[string]any{"message": map[string]any{"topic": topic, "data": ev}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("push relay returned %d", resp.StatusCode)
	}
	return nil
}
