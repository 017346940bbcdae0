package server

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/config"
	"github.com/tingly-dev/tingly-relay/internal/llmclient"
)

// ClientPool caches one upstream client per provider settings.
type ClientPool struct {
	clients map[string]*llmclient.OpenAIClient
	mutex   sync.RWMutex
}

// NewClientPool creates an empty pool.
func NewClientPool() *ClientPool {
	return &ClientPool{clients: make(map[string]*llmclient.OpenAIClient)}
}

// Get returns the client for provider, creating it on first use. A
// provider whose settings changed on reload gets a new client.
func (p *ClientPool) Get(provider config.Provider) (*llmclient.OpenAIClient, error) {
	key := providerKey(provider)

	p.mutex.RLock()
	if client, ok := p.clients[key]; ok {
		p.mutex.RUnlock()
		return client, nil
	}
	p.mutex.RUnlock()

	p.mutex.Lock()
	defer p.mutex.Unlock()

	if client, ok := p.clients[key]; ok {
		return client, nil
	}

	logrus.Infof("Creating upstream client for provider: %s (API: %s)", provider.Name, provider.APIBase)
	client, err := llmclient.NewOpenAIClient(provider)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", provider.Name, err)
	}
	p.clients[key] = client
	return client, nil
}

// Clear closes and drops every client.
func (p *ClientPool) Clear() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for _, client := range p.clients {
		client.Close()
	}
	p.clients = make(map[string]*llmclient.OpenAIClient)
}

// Size returns the number of cached clients.
func (p *ClientPool) Size() int {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return len(p.clients)
}

func providerKey(p config.Provider) string {
	headers := ""
	for _, k := range sortedKeys(p.Headers) {
		headers += k + "=" + p.Headers[k] + ";"
	}
	return fmt.Sprintf("%s:%s:%s:%s:%s:%s", p.Name, p.APIBase, hashToken(p.Token), p.ProxyURL, p.Timeout, hashToken(headers))
}

// hashToken keeps secrets out of map keys.
func hashToken(token string) string {
	if token == "" {
		return ""
	}
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])[:16]
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
