package xray

import (
	"context"
	"fmt"
	"time"

	"github.com/xtls/xray-core/app/proxyman/command"
	statsService "github.com/xtls/xray-core/app/stats/command"
	"github.com/xtls/xray-core/common/protocol"
	"github.com/xtls/xray-core/common/serial"
	"github.com/xtls/xray-core/proxy/vless"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// sdkClient is the managed backend: it drives the engine through the
// vendor's typed handler and stats service clients.
type sdkClient struct {
	conn    *grpc.ClientConn
	handler command.HandlerServiceClient
	stats   statsService.StatsServiceClient
}

// newSDKClient dials the control API and probes it with a throwaway stats
// query. A NotFound answer still proves the endpoint is alive.
func newSDKClient(apiAddr string, probeTimeout time.Duration) (*sdkClient, error) {
	conn, err := grpc.Dial(apiAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	c := &sdkClient{
		conn:    conn,
		handler: command.NewHandlerServiceClient(conn),
		stats:   statsService.NewStatsServiceClient(conn),
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	_, err = c.stats.GetStats(ctx, &statsService.GetStatsRequest{Name: "user>>>probe>>>traffic>>>uplink"})
	if err != nil && status.Code(err) != codes.NotFound {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *sdkClient) Mode() string { return "sdk" }

func (c *sdkClient) AddUser(ctx context.Context, tag, email, uuid, flow string, level uint32) error {
	account := serial.ToTypedMessage(&vless.Account{
		Id:   uuid,
		Flow: flow,
	})

	_, err := c.handler.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag: tag,
		Operation: serial.ToTypedMessage(&command.AddUserOperation{
			User: &protocol.User{
				Level:   level,
				Email:   email,
				Account: account,
			},
		}),
	})
	if err != nil {
		return fmt.Errorf("sdk add user %s: %w", email, err)
	}
	return nil
}

func (c *sdkClient) RemoveUser(ctx context.Context, tag, email string) error {
	_, err := c.handler.AlterInbound(ctx, &command.AlterInboundRequest{
		Tag: tag,
		Operation: serial.ToTypedMessage(&command.RemoveUserOperation{
			Email: email,
		}),
	})
	if err != nil {
		return fmt.Errorf("sdk remove user %s: %w", email, err)
	}
	return nil
}

func (c *sdkClient) GetTraffic(ctx context.Context, email string, reset bool) (*TrafficStat, error) {
	up, err := c.getCounter(ctx, counterName(email, "uplink"), reset)
	if err != nil {
		return nil, err
	}
	down, err := c.getCounter(ctx, counterName(email, "downlink"), reset)
	if err != nil {
		return nil, err
	}
	return &TrafficStat{Up: up, Down: down}, nil
}

func (c *sdkClient) getCounter(ctx context.Context, name string, reset bool) (int64, error) {
	resp, err := c.stats.GetStats(ctx, &statsService.GetStatsRequest{
		Name:   name,
		Reset_: reset,
	})
	if err != nil {
		// A counter that never recorded traffic does not exist yet.
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, err
	}
	if stat := resp.GetStat(); stat != nil {
		return stat.GetValue(), nil
	}
	return 0, nil
}

func (c *sdkClient) Close() error {
	return c.conn.Close()
}

// counterName renders the engine's per-user counter naming convention.
func counterName(email, direction string) string {
	return fmt.Sprintf("user>>>%s>>>traffic>>>%s", email, direction)
}
