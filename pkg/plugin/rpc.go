package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/rpc"

	goplugin "github.com/hashicorp/go-plugin"
)

// Handshake is the shared handshake between host and plugin processes. A
// process started outside the host lacks the cookie and is refused before
// any RPC happens.
var Handshake = goplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "BENTENG_PLUGIN",
	MagicCookieValue: "benteng-plugin-host-v1",
}

// PluginMapKey is the dispense name for the single plugin service.
const PluginMapKey = "benteng"

// PluginMap is the plugin map served on both sides of the handshake.
var PluginMap = map[string]goplugin.Plugin{
	PluginMapKey: &GuestPlugin{},
}

// GuestPlugin is the go-plugin adapter. Impl is populated on the guest
// side only; the host side dispenses a client handle.
type GuestPlugin struct {
	Impl ServicePlugin
}

// Server returns the RPC server the guest process exposes.
func (p *GuestPlugin) Server(broker *goplugin.MuxBroker) (interface{}, error) {
	return &pluginRPCServer{impl: p.Impl, broker: broker}, nil
}

// Client returns the host-side RPC handle.
func (p *GuestPlugin) Client(broker *goplugin.MuxBroker, c *rpc.Client) (interface{}, error) {
	return &pluginRPCClient{client: c, broker: broker}, nil
}

// Serve starts the plugin side of the protocol. Plugin main functions call
// this with their ServicePlugin implementation and never return.
func Serve(impl ServicePlugin) {
	goplugin.Serve(&goplugin.ServeConfig{
		HandshakeConfig: Handshake,
		Plugins: map[string]goplugin.Plugin{
			PluginMapKey: &GuestPlugin{Impl: impl},
		},
	})
}

// ActivateArgs carries the broker stream IDs the guest dials back on. The
// registrar and host services live on the host; passing IDs instead of
// values keeps both callbacks on the same multiplexed connection.
type ActivateArgs struct {
	RegistrarID uint32
	HostID      uint32
}

// InvokeArgs carries one tool call to the guest. Arguments cross the wire
// as JSON so schema-shaped values survive without gob type registration.
type InvokeArgs struct {
	Tool     string
	ArgsJSON []byte
}

// InvokeResponse carries a tool result back to the host. Err distinguishes
// a tool-level failure from a transport failure.
type InvokeResponse struct {
	ResultJSON []byte
	Err        string
}

// RegisterPayload carries one registration from guest to host as JSON.
type RegisterPayload struct {
	Payload []byte
}

// pluginRPCClient is the host-side handle to the guest process.
type pluginRPCClient struct {
	client *rpc.Client
	broker *goplugin.MuxBroker
}

func (c *pluginRPCClient) Activate(registrar Registrar, host Host) error {
	registrarID := c.broker.NextId()
	go c.broker.AcceptAndServe(registrarID, &registrarRPCServer{impl: registrar})

	hostID := c.broker.NextId()
	go c.broker.AcceptAndServe(hostID, &hostRPCServer{impl: host})

	var resp struct{}
	return c.client.Call("Plugin.Activate", ActivateArgs{
		RegistrarID: registrarID,
		HostID:      hostID,
	}, &resp)
}

func (c *pluginRPCClient) Invoke(tool string, args map[string]any) (map[string]any, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool arguments: %w", err)
	}

	var resp InvokeResponse
	if err := c.client.Call("Plugin.Invoke", InvokeArgs{Tool: tool, ArgsJSON: argsJSON}, &resp); err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}

	var result map[string]any
	if len(resp.ResultJSON) > 0 {
		if err := json.Unmarshal(resp.ResultJSON, &result); err != nil {
			return nil, fmt.Errorf("failed to decode tool result: %w", err)
		}
	}
	return result, nil
}

func (c *pluginRPCClient) Deactivate() error {
	var resp struct{}
	return c.client.Call("Plugin.Deactivate", struct{}{}, &resp)
}

// pluginRPCServer runs inside the guest process and forwards calls to the
// plugin author's implementation.
type pluginRPCServer struct {
	impl   ServicePlugin
	broker *goplugin.MuxBroker
}

func (s *pluginRPCServer) Activate(args ActivateArgs, resp *struct{}) error {
	regConn, err := s.broker.Dial(args.RegistrarID)
	if err != nil {
		return fmt.Errorf("failed to dial registrar stream: %w", err)
	}
	hostConn, err := s.broker.Dial(args.HostID)
	if err != nil {
		regConn.Close()
		return fmt.Errorf("failed to dial host stream: %w", err)
	}

	registrar := &registrarRPCClient{client: rpc.NewClient(regConn)}
	host := &hostRPCClient{client: rpc.NewClient(hostConn)}
	return s.impl.Activate(registrar, host)
}

func (s *pluginRPCServer) Invoke(args InvokeArgs, resp *InvokeResponse) error {
	var in map[string]any
	if len(args.ArgsJSON) > 0 {
		if err := json.Unmarshal(args.ArgsJSON, &in); err != nil {
			return fmt.Errorf("failed to decode tool arguments: %w", err)
		}
	}

	out, err := s.impl.Invoke(args.Tool, in)
	if err != nil {
		resp.Err = err.Error()
		return nil
	}

	resultJSON, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode tool result: %w", err)
	}
	resp.ResultJSON = resultJSON
	return nil
}

func (s *pluginRPCServer) Deactivate(args struct{}, resp *struct{}) error {
	return s.impl.Deactivate()
}

// registrarRPCServer serves the host's staging registrar to the guest.
type registrarRPCServer struct {
	impl Registrar
}

func (s *registrarRPCServer) RegisterTool(args RegisterPayload, resp *struct{}) error {
	var tool ToolRegistration
	if err := json.Unmarshal(args.Payload, &tool); err != nil {
		return fmt.Errorf("failed to decode tool registration: %w", err)
	}
	return s.impl.RegisterTool(tool)
}

func (s *registrarRPCServer) RegisterResource(args RegisterPayload, resp *struct{}) error {
	var resource ResourceRegistration
	if err := json.Unmarshal(args.Payload, &resource); err != nil {
		return fmt.Errorf("failed to decode resource registration: %w", err)
	}
	return s.impl.RegisterResource(resource)
}

func (s *registrarRPCServer) RegisterPrompt(args RegisterPayload, resp *struct{}) error {
	var prompt PromptRegistration
	if err := json.Unmarshal(args.Payload, &prompt); err != nil {
		return fmt.Errorf("failed to decode prompt registration: %w", err)
	}
	return s.impl.RegisterPrompt(prompt)
}

// registrarRPCClient is the guest-side view of the staging registrar.
type registrarRPCClient struct {
	client *rpc.Client
}

var _ Registrar = (*registrarRPCClient)(nil)

func (c *registrarRPCClient) RegisterTool(tool ToolRegistration) error {
	return c.register("Plugin.RegisterTool", tool)
}

func (c *registrarRPCClient) RegisterResource(resource ResourceRegistration) error {
	return c.register("Plugin.RegisterResource", resource)
}

func (c *registrarRPCClient) RegisterPrompt(prompt PromptRegistration) error {
	return c.register("Plugin.RegisterPrompt", prompt)
}

func (c *registrarRPCClient) register(method string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode registration: %w", err)
	}
	var resp struct{}
	return c.client.Call(method, RegisterPayload{Payload: payload}, &resp)
}

// FetchURLArgs is the wire form of a Host.FetchURL call.
type FetchURLArgs struct {
	URL string
}

// FetchURLResponse carries the fetched body.
type FetchURLResponse struct {
	Body []byte
}

// ReadFileArgs is the wire form of a Host.ReadFile call.
type ReadFileArgs struct {
	Path string
}

// ReadFileResponse carries the file contents.
type ReadFileResponse struct {
	Data []byte
}

// WriteFileArgs is the wire form of a Host.WriteFile call.
type WriteFileArgs struct {
	Path string
	Data []byte
}

// ExecArgs is the wire form of a Host.Exec call.
type ExecArgs struct {
	Command string
	Args    []string
}

// ExecResponse carries combined command output.
type ExecResponse struct {
	Output string
}

// hostRPCServer serves the host capability broker to the guest.
type hostRPCServer struct {
	impl Host
}

func (s *hostRPCServer) FetchURL(args FetchURLArgs, resp *FetchURLResponse) error {
	body, err := s.impl.FetchURL(args.URL)
	if err != nil {
		return err
	}
	resp.Body = body
	return nil
}

func (s *hostRPCServer) ReadFile(args ReadFileArgs, resp *ReadFileResponse) error {
	data, err := s.impl.ReadFile(args.Path)
	if err != nil {
		return err
	}
	resp.Data = data
	return nil
}

func (s *hostRPCServer) WriteFile(args WriteFileArgs, resp *struct{}) error {
	return s.impl.WriteFile(args.Path, args.Data)
}

func (s *hostRPCServer) Exec(args ExecArgs, resp *ExecResponse) error {
	output, err := s.impl.Exec(args.Command, args.Args)
	if err != nil {
		return err
	}
	resp.Output = output
	return nil
}

// hostRPCClient is the guest-side view of the capability broker.
type hostRPCClient struct {
	client *rpc.Client
}

var _ Host = (*hostRPCClient)(nil)

func (c *hostRPCClient) FetchURL(url string) ([]byte, error) {
	var resp FetchURLResponse
	if err := c.client.Call("Plugin.FetchURL", FetchURLArgs{URL: url}, &resp); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *hostRPCClient) ReadFile(path string) ([]byte, error) {
	var resp ReadFileResponse
	if err := c.client.Call("Plugin.ReadFile", ReadFileArgs{Path: path}, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

func (c *hostRPCClient) WriteFile(path string, data []byte) error {
	var resp struct{}
	return c.client.Call("Plugin.WriteFile", WriteFileArgs{Path: path, Data: data}, &resp)
}

func (c *hostRPCClient) Exec(command string, args []string) (string, error) {
	var resp ExecResponse
	if err := c.client.Call("Plugin.Exec", ExecArgs{Command: command, Args: args}, &resp); err != nil {
		return "", err
	}
	return resp.Output, nil
}
