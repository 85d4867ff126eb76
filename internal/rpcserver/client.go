package rpcserver

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/sjs/internal/protocol"
)

// Client queries a remote daemon's stat over gRPC.
type Client struct {
	conn grpc.ClientConnInterface
	own  *grpc.ClientConn
}

// Dial 建立到 addr 的連線（不加密；狀態資料不含機密）
func Dial(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn, own: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Stat 取得遠端 stat；回傳值與 FIFO stat 相同
func (c *Client) Stat(ctx context.Context) (protocol.Reply, json.RawMessage, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, StatMethod, &emptypb.Empty{}, out); err != nil {
		return protocol.Reply{}, nil, err
	}

	raw, err := json.Marshal(out.AsMap())
	if err != nil {
		return protocol.Reply{}, nil, err
	}
	var reply protocol.Reply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return protocol.Reply{}, nil, fmt.Errorf("decode stat: %w", err)
	}
	return reply, raw, nil
}

// Close closes a connection created by Dial.
func (c *Client) Close() error {
	if c.own == nil {
		return nil
	}
	return c.own.Close()
}
