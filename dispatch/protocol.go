// Package dispatch implements the on-demand multiplexer (§4.6): a lobby
// ring carries a binary registration protocol, and each accepted client
// gets a freshly-named private auto-server channel. Ported from
// original_source/src/dispatch/{protocol,mod}.rs.
package dispatch

import (
	"encoding/binary"
	"errors"
)

const (
	dispatchMagic   uint32 = 0x44495350 // 'DISP'
	dispatchVersion byte   = 1

	msgTypeRequest  byte = 1
	msgTypeResponse byte = 2

	maxNameLen        = 64
	maxChannelNameLen = 64
)

// Registration response status codes.
const (
	StatusOK       byte = 0
	StatusRejected byte = 1
)

var (
	errTooSmall  = errors.New("dispatch: message too small")
	errCorrupted = errors.New("dispatch: bad magic")
	errVersion   = errors.New("dispatch: unsupported protocol version or message type")
)

// RegistrationRequest is sent by a client over the lobby ring to register
// for a private channel.
//
// Wire layout (little-endian):
//
//	[0:4]   magic
//	[4]     version
//	[5]     msg_type = 1
//	[6:10]  pid
//	[10]    bits
//	[11:13] revision
//	[13]    name_len
//	[14:]   name (UTF-8)
type RegistrationRequest struct {
	PID      uint32
	Bits     byte
	Revision uint16
	Name     string
}

// EncodeRequest serialises req, truncating Name to maxNameLen bytes.
func EncodeRequest(req RegistrationRequest) []byte {
	name := []byte(req.Name)
	if len(name) > maxNameLen {
		name = name[:maxNameLen]
	}
	buf := make([]byte, 14+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], dispatchMagic)
	buf[4] = dispatchVersion
	buf[5] = msgTypeRequest
	binary.LittleEndian.PutUint32(buf[6:10], req.PID)
	buf[10] = req.Bits
	binary.LittleEndian.PutUint16(buf[11:13], req.Revision)
	buf[13] = byte(len(name))
	copy(buf[14:], name)
	return buf
}

// DecodeRequest parses a RegistrationRequest from data.
func DecodeRequest(data []byte) (RegistrationRequest, error) {
	if len(data) < 14 {
		return RegistrationRequest{}, errTooSmall
	}
	if binary.LittleEndian.Uint32(data[0:4]) != dispatchMagic {
		return RegistrationRequest{}, errCorrupted
	}
	if data[4] != dispatchVersion || data[5] != msgTypeRequest {
		return RegistrationRequest{}, errVersion
	}
	nameLen := int(data[13])
	if len(data) < 14+nameLen {
		return RegistrationRequest{}, errTooSmall
	}
	return RegistrationRequest{
		PID:      binary.LittleEndian.Uint32(data[6:10]),
		Bits:     data[10],
		Revision: binary.LittleEndian.Uint16(data[11:13]),
		Name:     string(data[14 : 14+nameLen]),
	}, nil
}

// RegistrationResponse is sent by the server after processing a
// registration request.
//
// Wire layout (little-endian):
//
//	[0:4]  magic
//	[4]    version
//	[5]    msg_type = 2
//	[6]    status
//	[7:11] client_id
//	[11]   channel_name_len
//	[12:]  channel_name (UTF-8)
type RegistrationResponse struct {
	Status      byte
	ClientID    uint32
	ChannelName string
}

// EncodeResponse serialises resp, truncating ChannelName to
// maxChannelNameLen bytes.
func EncodeResponse(resp RegistrationResponse) []byte {
	name := []byte(resp.ChannelName)
	if len(name) > maxChannelNameLen {
		name = name[:maxChannelNameLen]
	}
	buf := make([]byte, 12+len(name))
	binary.LittleEndian.PutUint32(buf[0:4], dispatchMagic)
	buf[4] = dispatchVersion
	buf[5] = msgTypeResponse
	buf[6] = resp.Status
	binary.LittleEndian.PutUint32(buf[7:11], resp.ClientID)
	buf[11] = byte(len(name))
	copy(buf[12:], name)
	return buf
}

// DecodeResponse parses a RegistrationResponse from data.
func DecodeResponse(data []byte) (RegistrationResponse, error) {
	if len(data) < 12 {
		return RegistrationResponse{}, errTooSmall
	}
	if binary.LittleEndian.Uint32(data[0:4]) != dispatchMagic {
		return RegistrationResponse{}, errCorrupted
	}
	if data[4] != dispatchVersion || data[5] != msgTypeResponse {
		return RegistrationResponse{}, errVersion
	}
	nameLen := int(data[11])
	if len(data) < 12+nameLen {
		return RegistrationResponse{}, errTooSmall
	}
	return RegistrationResponse{
		Status:      data[6],
		ClientID:    binary.LittleEndian.Uint32(data[7:11]),
		ChannelName: string(data[12 : 12+nameLen]),
	}, nil
}
