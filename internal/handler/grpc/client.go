package grpc

import (
	"context"

	"btc-minter/pkg/errno"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Client 以调用方身份调用 Minter 服务
type Client struct {
	conn   grpc.ClientConnInterface
	caller string
}

func NewClient(conn grpc.ClientConnInterface, caller string) *Client {
	return &Client{conn: conn, caller: caller}
}

// Call 调用指定方法，返回响应的 map 形式
func (c *Client) Call(ctx context.Context, method string, req map[string]interface{}) (map[string]interface{}, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	if c.caller != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, CallerMetadataKey, c.caller)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out); err != nil {
		return nil, FromStatus(err)
	}
	return out.AsMap(), nil
}

// FromStatus 还原服务端附带的业务错误码，没有时原样返回
func FromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		m := s.AsMap()
		code, _ := m["code"].(float64)
		msg, _ := m["msg"].(string)
		if code != 0 {
			return errno.Errno{Code: int(code), Message: msg}
		}
	}
	return err
}
