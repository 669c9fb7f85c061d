package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/hyper/internal/instance"
)

const DefaultSocketPath = "/var/run/hyper/daemon.sock"

type DaemonClient interface {
	Create(name string, cfg instance.Config) (instance.Info, error)
	Start(name string) error
	Stop(name string) error
	Status(name string) (instance.State, error)
	List() ([]string, error)
	Inspect(name string) (instance.Info, error)
	SetBootMedium(name, path string) error
}

var _ DaemonClient = (*Client)(nil)

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

// send performs one request. Failures reported by the daemon come back as
// *instance.RemoteError so errors.Is matches the reported error kind.
func (c *Client) send(request IPCRequest, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if request.ID == "" {
		request.ID = uuid.NewString()
	}
	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "daemon request failed"
		}
		if kind := instance.FromCode(resp.Code); kind != nil {
			return &instance.RemoteError{Message: resp.Error, Kind: kind}
		}
		return errors.New(resp.Error)
	}
	if response != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) Create(name string, cfg instance.Config) (instance.Info, error) {
	payload, err := json.Marshal(CreateRequest{Config: cfg})
	if err != nil {
		return instance.Info{}, err
	}
	var info instance.Info
	if err := c.send(IPCRequest{Command: CommandCreate, Name: name, Payload: payload}, &info); err != nil {
		return instance.Info{}, err
	}
	return info, nil
}

func (c *Client) Start(name string) error {
	return c.send(IPCRequest{Command: CommandStart, Name: name}, nil)
}

func (c *Client) Stop(name string) error {
	return c.send(IPCRequest{Command: CommandStop, Name: name}, nil)
}

func (c *Client) Status(name string) (instance.State, error) {
	var status StatusResponse
	if err := c.send(IPCRequest{Command: CommandStatus, Name: name}, &status); err != nil {
		return "", err
	}
	return status.State, nil
}

func (c *Client) List() ([]string, error) {
	var names []string
	if err := c.send(IPCRequest{Command: CommandList}, &names); err != nil {
		return nil, err
	}
	return names, nil
}

func (c *Client) Inspect(name string) (instance.Info, error) {
	var info instance.Info
	if err := c.send(IPCRequest{Command: CommandInspect, Name: name}, &info); err != nil {
		return instance.Info{}, err
	}
	return info, nil
}

func (c *Client) SetBootMedium(name, path string) error {
	payload, err := json.Marshal(BootMediumRequest{Path: path})
	if err != nil {
		return err
	}
	return c.send(IPCRequest{Command: CommandSetBootMedium, Name: name, Payload: payload}, nil)
}
