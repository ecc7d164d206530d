package xray

import (
	"context"
	"os"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/veilgate/veilgate/logger"
	"github.com/veilgate/veilgate/util/common"
)

const (
	methodAlterInbound = "/xray.app.proxyman.command.HandlerService/AlterInbound"
	methodGetStats     = "/xray.app.stats.command.StatsService/GetStats"
)

// grpcClient is the raw backend: it encodes the engine's control messages
// from descriptor sets loaded off disk and invokes the RPCs directly, with
// no generated code.
type grpcClient struct {
	conn  *grpc.ClientConn
	types *protoregistry.Types
}

// newGRPCClient dials the control API and loads the message schemas. A
// missing or unreadable descriptor file is only a warning here; calls fail
// later if the types they need never resolved.
func newGRPCClient(apiAddr string, descriptorFiles []string) (*grpcClient, error) {
	conn, err := grpc.Dial(apiAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	types, err := loadDescriptorSets(descriptorFiles)
	if err != nil {
		logger.Warningf("engine schema incomplete: %v", err)
	}

	return &grpcClient{conn: conn, types: types}, nil
}

// loadDescriptorSets merges FileDescriptorSet files into a type registry.
// Returns whatever registry could be built plus the first load problem.
func loadDescriptorSets(files []string) (*protoregistry.Types, error) {
	merged := &descriptorpb.FileDescriptorSet{}
	seen := make(map[string]bool)
	var loadErr error

	for _, file := range files {
		raw, err := os.ReadFile(file)
		if err != nil {
			if loadErr == nil {
				loadErr = common.NewErrorf("read descriptor set %s: %v", file, err)
			}
			continue
		}
		var set descriptorpb.FileDescriptorSet
		if err := proto.Unmarshal(raw, &set); err != nil {
			if loadErr == nil {
				loadErr = common.NewErrorf("parse descriptor set %s: %v", file, err)
			}
			continue
		}
		for _, fd := range set.GetFile() {
			if !seen[fd.GetName()] {
				seen[fd.GetName()] = true
				merged.File = append(merged.File, fd)
			}
		}
	}

	if len(merged.File) == 0 {
		return nil, loadErr
	}

	fileReg, err := protodesc.NewFiles(merged)
	if err != nil {
		return nil, common.NewErrorf("build schema registry: %v", err)
	}

	types := &protoregistry.Types{}
	fileReg.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		registerMessages(types, fd.Messages())
		return true
	})
	return types, loadErr
}

func registerMessages(types *protoregistry.Types, messages protoreflect.MessageDescriptors) {
	for i := 0; i < messages.Len(); i++ {
		md := messages.Get(i)
		_ = types.RegisterMessage(dynamicpb.NewMessageType(md))
		registerMessages(types, md.Messages())
	}
}

// resolver returns the loaded type registry, or an error when the schema
// never became available. Fatal for the call, not the process.
func (c *grpcClient) resolver() (*protoregistry.Types, error) {
	if c.types == nil {
		return nil, common.NewError("engine schema unavailable: descriptor sets failed to load")
	}
	return c.types, nil
}

func (c *grpcClient) Mode() string { return "grpc" }

func (c *grpcClient) invoke(ctx context.Context, method string, req proto.Message, respName string) (proto.Message, error) {
	types, err := c.resolver()
	if err != nil {
		return nil, err
	}
	resp, err := newSchemaMessage(types, respName)
	if err != nil {
		return nil, err
	}
	if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *grpcClient) AddUser(ctx context.Context, tag, email, uuid, flow string, level uint32) error {
	types, err := c.resolver()
	if err != nil {
		return err
	}
	req, err := buildAddUserRequest(types, tag, email, uuid, flow, level)
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, methodAlterInbound, req, msgAlterInboundResp)
	return err
}

func (c *grpcClient) RemoveUser(ctx context.Context, tag, email string) error {
	types, err := c.resolver()
	if err != nil {
		return err
	}
	req, err := buildRemoveUserRequest(types, tag, email)
	if err != nil {
		return err
	}
	_, err = c.invoke(ctx, methodAlterInbound, req, msgAlterInboundResp)
	return err
}

func (c *grpcClient) GetTraffic(ctx context.Context, email string, reset bool) (*TrafficStat, error) {
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

func (c *grpcClient) getCounter(ctx context.Context, name string, reset bool) (int64, error) {
	types, err := c.resolver()
	if err != nil {
		return 0, err
	}
	req, err := buildGetStatsRequest(types, name, reset)
	if err != nil {
		return 0, err
	}
	resp, err := c.invoke(ctx, methodGetStats, req, msgGetStatsResp)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return 0, nil
		}
		return 0, err
	}
	return statValue(resp), nil
}

func (c *grpcClient) Close() error {
	return c.conn.Close()
}
