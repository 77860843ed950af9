// Package credential is the client for the external credential store, the
// authoritative database of developer and player accounts. The store
// speaks the same length-prefixed JSON protocol as everything else; each
// RPC uses a short-lived connection.
package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/gamestore/pkg/wire"
)

// Kind selects the principal namespace. The two namespaces are disjoint.
type Kind string

const (
	KindDeveloper Kind = "developer"
	KindPlayer    Kind = "player"
)

var (
	// ErrExists reports a createPrincipal on a taken name.
	ErrExists = errors.New("credential: account already exists")
	// ErrNotFound reports a verify on an unknown name.
	ErrNotFound = errors.New("credential: account not found")
	// ErrWrongPassword reports a verify with a bad password.
	ErrWrongPassword = errors.New("credential: incorrect password")
)

// Client talks to the credential store at a fixed address.
type Client struct {
	address string
	timeout time.Duration
}

// NewClient creates a credential store client for host:port.
func NewClient(host string, port int) *Client {
	return &Client{
		address: net.JoinHostPort(host, fmt.Sprintf("%d", port)),
		timeout: 10 * time.Second,
	}
}

type accountPayload struct {
	AccountType Kind   `json:"account_type"`
	Username    string `json:"username"`
	Password    string `json:"password"`
}

// CreatePrincipal registers a new account of the given kind. The password
// is handed to the store and never retained here.
func (c *Client) CreatePrincipal(kind Kind, name, password string) error {
	resp, err := c.call("register", accountPayload{
		AccountType: kind,
		Username:    name,
		Password:    password,
	})
	if err != nil {
		return err
	}
	if resp.Status == wire.StatusSuccess {
		return nil
	}
	if strings.Contains(strings.ToLower(resp.Message), "exists") {
		return ErrExists
	}
	return fmt.Errorf("credential: register rejected: %s", resp.Message)
}

// VerifyCredentials checks a name/password pair against the store.
func (c *Client) VerifyCredentials(kind Kind, name, password string) error {
	resp, err := c.call("login", accountPayload{
		AccountType: kind,
		Username:    name,
		Password:    password,
	})
	if err != nil {
		return err
	}
	if resp.Status == wire.StatusSuccess {
		return nil
	}
	msg := strings.ToLower(resp.Message)
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "not exist"):
		return ErrNotFound
	case strings.Contains(msg, "password"):
		return ErrWrongPassword
	default:
		return fmt.Errorf("credential: login rejected: %s", resp.Message)
	}
}

func (c *Client) call(action string, payload accountPayload) (*wire.Response, error) {
	conn, err := net.DialTimeout("tcp", c.address, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("credential: dial %s: %w", c.address, err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return nil, fmt.Errorf("credential: set deadline: %w", err)
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("credential: encode request: %w", err)
	}
	if err := wire.WriteJSON(conn, &wire.Request{Action: action, Data: data}); err != nil {
		return nil, fmt.Errorf("credential: send %s: %w", action, err)
	}

	var resp wire.Response
	if err := wire.ReadJSON(conn, &resp); err != nil {
		return nil, fmt.Errorf("credential: read %s response: %w", action, err)
	}
	return &resp, nil
}
