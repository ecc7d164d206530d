package xray

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/veilgate/veilgate/util/common"
)

// Fully-qualified names of the engine messages the raw backend speaks.
const (
	msgVlessAccount     = "xray.proxy.vless.Account"
	msgTypedMessage     = "xray.common.serial.TypedMessage"
	msgUser             = "xray.common.protocol.User"
	msgAddUserOp        = "xray.app.proxyman.command.AddUserOperation"
	msgRemoveUserOp     = "xray.app.proxyman.command.RemoveUserOperation"
	msgAlterInboundReq  = "xray.app.proxyman.command.AlterInboundRequest"
	msgAlterInboundResp = "xray.app.proxyman.command.AlterInboundResponse"
	msgGetStatsReq      = "xray.app.stats.command.GetStatsRequest"
	msgGetStatsResp     = "xray.app.stats.command.GetStatsResponse"
)

// schemaResolver resolves message types loaded from descriptor files.
// Satisfied by *protoregistry.Types.
type schemaResolver interface {
	FindMessageByName(name protoreflect.FullName) (protoreflect.MessageType, error)
}

// newSchemaMessage instantiates an empty message of the named type.
func newSchemaMessage(types schemaResolver, name string) (proto.Message, error) {
	mt, err := types.FindMessageByName(protoreflect.FullName(name))
	if err != nil {
		return nil, common.NewErrorf("schema type %s not resolved: %v", name, err)
	}
	return mt.New().Interface(), nil
}

func setString(m proto.Message, field, value string) {
	r := m.ProtoReflect()
	r.Set(r.Descriptor().Fields().ByName(protoreflect.Name(field)), protoreflect.ValueOfString(value))
}

func setBool(m proto.Message, field string, value bool) {
	r := m.ProtoReflect()
	r.Set(r.Descriptor().Fields().ByName(protoreflect.Name(field)), protoreflect.ValueOfBool(value))
}

func setUint32(m proto.Message, field string, value uint32) {
	r := m.ProtoReflect()
	r.Set(r.Descriptor().Fields().ByName(protoreflect.Name(field)), protoreflect.ValueOfUint32(value))
}

func setBytes(m proto.Message, field string, value []byte) {
	r := m.ProtoReflect()
	r.Set(r.Descriptor().Fields().ByName(protoreflect.Name(field)), protoreflect.ValueOfBytes(value))
}

func setMessage(m proto.Message, field string, value proto.Message) {
	r := m.ProtoReflect()
	r.Set(r.Descriptor().Fields().ByName(protoreflect.Name(field)), protoreflect.ValueOfMessage(value.ProtoReflect()))
}

// buildTypedMessage wraps a marshaled inner message in the engine's
// TypedMessage container.
func buildTypedMessage(types schemaResolver, innerName string, inner proto.Message) (proto.Message, error) {
	payload, err := proto.Marshal(inner)
	if err != nil {
		return nil, err
	}
	typed, err := newSchemaMessage(types, msgTypedMessage)
	if err != nil {
		return nil, err
	}
	setString(typed, "type", innerName)
	setBytes(typed, "value", payload)
	return typed, nil
}

// buildAddUserRequest builds the nested add envelope: vless account inside
// a TypedMessage, inside a user record, inside an AddUserOperation typed
// onto an AlterInboundRequest keyed by inbound tag.
func buildAddUserRequest(types schemaResolver, tag, email, uuid, flow string, level uint32) (proto.Message, error) {
	account, err := newSchemaMessage(types, msgVlessAccount)
	if err != nil {
		return nil, err
	}
	setString(account, "id", uuid)
	if flow != "" {
		setString(account, "flow", flow)
	}

	accountTyped, err := buildTypedMessage(types, msgVlessAccount, account)
	if err != nil {
		return nil, err
	}

	user, err := newSchemaMessage(types, msgUser)
	if err != nil {
		return nil, err
	}
	setUint32(user, "level", level)
	setString(user, "email", email)
	setMessage(user, "account", accountTyped)

	op, err := newSchemaMessage(types, msgAddUserOp)
	if err != nil {
		return nil, err
	}
	setMessage(op, "user", user)

	return buildAlterInboundRequest(types, tag, msgAddUserOp, op)
}

// buildRemoveUserRequest builds the remove envelope keyed by tag+email.
func buildRemoveUserRequest(types schemaResolver, tag, email string) (proto.Message, error) {
	op, err := newSchemaMessage(types, msgRemoveUserOp)
	if err != nil {
		return nil, err
	}
	setString(op, "email", email)

	return buildAlterInboundRequest(types, tag, msgRemoveUserOp, op)
}

func buildAlterInboundRequest(types schemaResolver, tag, opName string, op proto.Message) (proto.Message, error) {
	opTyped, err := buildTypedMessage(types, opName, op)
	if err != nil {
		return nil, err
	}
	req, err := newSchemaMessage(types, msgAlterInboundReq)
	if err != nil {
		return nil, err
	}
	setString(req, "tag", tag)
	setMessage(req, "operation", opTyped)
	return req, nil
}

// buildGetStatsRequest builds a single counter lookup, optionally resetting
// the counter as part of the read.
func buildGetStatsRequest(types schemaResolver, name string, reset bool) (proto.Message, error) {
	req, err := newSchemaMessage(types, msgGetStatsReq)
	if err != nil {
		return nil, err
	}
	setString(req, "name", name)
	setBool(req, "reset", reset)
	return req, nil
}

// statValue extracts stat.value from a GetStatsResponse, zero when the
// stat is unset.
func statValue(resp proto.Message) int64 {
	r := resp.ProtoReflect()
	statField := r.Descriptor().Fields().ByName("stat")
	if statField == nil || !r.Has(statField) {
		return 0
	}
	stat := r.Get(statField).Message()
	valueField := stat.Descriptor().Fields().ByName("value")
	if valueField == nil {
		return 0
	}
	return stat.Get(valueField).Int()
}
