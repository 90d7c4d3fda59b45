package rpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/zhouzirui/rpcgate/pkg/protocol"
	"github.com/zhouzirui/rpcgate/internal/rpc"
)

func request(t *testing.T, method string) *protocol.Message {
	t.Helper()
	msg, err := protocol.Decode([]byte(`{"jsonrpc":"2.0","id":1,"method":"` + method + `"}`))
	if err != nil {
		t.Fatalf("Decode err: %v", err)
	}
	return msg
}

func TestDispatchPing(t *testing.T) {
	mux := rpc.NewMux()

	resp := mux.Dispatch(context.Background(), request(t, "ping"))
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
}

func TestDispatchMethodNotFound(t *testing.T) {
	mux := rpc.NewMux()

	resp := mux.Dispatch(context.Background(), request(t, "nope"))
	if resp == nil || resp.Error == nil {
		t.Fatal("expected error response")
	}
	if resp.Error.Code != protocol.CodeMethodNotFound {
		t.Fatalf("unexpected code: %d", resp.Error.Code)
	}
}

func TestDispatchNotificationYieldsNoResponse(t *testing.T) {
	mux := rpc.NewMux()
	called := false
	mux.Register("log", func(context.Context, json.RawMessage) (any, error) {
		called = true
		return nil, nil
	})

	msg, err := protocol.Decode([]byte(`{"jsonrpc":"2.0","method":"log"}`))
	if err != nil {
		t.Fatalf("Decode err: %v", err)
	}

	if resp := mux.Dispatch(context.Background(), msg); resp != nil {
		t.Fatalf("notification produced a response: %+v", resp)
	}
	if !called {
		t.Fatal("handler not invoked")
	}
}

func TestDispatchCodedError(t *testing.T) {
	mux := rpc.NewMux()
	mux.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, &rpc.Error{Code: protocol.CodeInvalidParams, Message: "bad params"}
	})

	resp := mux.Dispatch(context.Background(), request(t, "fail"))
	if resp.Error == nil || resp.Error.Code != protocol.CodeInvalidParams {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDispatchOpaqueError(t *testing.T) {
	mux := rpc.NewMux()
	mux.Register("fail", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("disk on fire")
	})

	resp := mux.Dispatch(context.Background(), request(t, "fail"))
	if resp.Error == nil || resp.Error.Code != protocol.CodeInternalError {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.Error.Message == "disk on fire" {
		t.Fatal("handler error detail leaked to the wire")
	}
}

func TestDispatchContainsPanics(t *testing.T) {
	mux := rpc.NewMux()
	mux.Register("boom", func(context.Context, json.RawMessage) (any, error) {
		panic("boom")
	})

	resp := mux.Dispatch(context.Background(), request(t, "boom"))
	if resp == nil || resp.Error == nil || resp.Error.Code != protocol.CodeInternalError {
		t.Fatalf("panic not contained: %+v", resp)
	}
}
