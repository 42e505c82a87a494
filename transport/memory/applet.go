package memory

import (
	"bytes"
	"encoding/binary"

	"github.com/ggoodman/solo2-authenticator/apdu"
	"github.com/ggoodman/solo2-authenticator/oath"
)

var adminAID = []byte{0xA0, 0x00, 0x00, 0x08, 0x47, 0x00, 0x00, 0x00, 0x01}

// Admin applet instructions.
const (
	insWink    byte = 0x08
	insVersion byte = 0x61
	insUUID    byte = 0x62
	insLocked  byte = 0x63
)

// chunkSize bounds one response's data so that LIST chains with 61xx.
const chunkSize = 255

// oathVersion is reported on SELECT.
var oathVersion = []byte{0x04, 0x04, 0x05}

// dispatch runs cmd with c.tok.mu held.
func (c *conn) dispatch(cmd apdu.Command) apdu.Response {
	if cmd.INS == oath.InsSelect && cmd.P1 == 0x04 {
		return c.selectApplet(cmd.Data)
	}
	if cmd.INS != oath.InsSendRemaining {
		c.remaining = nil
	}
	switch c.selected {
	case appletOATH:
		return c.oathCommand(cmd)
	case appletAdmin:
		return c.adminCommand(cmd)
	}
	return apdu.Response{SW: apdu.SWInsNotSupported}
}

func (c *conn) selectApplet(aid []byte) apdu.Response {
	c.remaining = nil
	switch {
	case bytes.Equal(aid, oath.AID):
		c.selected = appletOATH
		var data []byte
		data = apdu.AppendTLV(data, oath.TagVersion, oathVersion)
		data = apdu.AppendTLV(data, oath.TagName, c.tok.uuid[:8])
		return apdu.Response{Data: data, SW: apdu.SWSuccess}
	case bytes.Equal(aid, adminAID) && !c.tok.notSolo2:
		c.selected = appletAdmin
		return apdu.Response{SW: apdu.SWSuccess}
	}
	c.selected = appletNone
	return apdu.Response{SW: apdu.SWNotFound}
}

func (c *conn) oathCommand(cmd apdu.Command) apdu.Response {
	switch cmd.INS {
	case oath.InsList:
		var data []byte
		for _, cr := range c.tok.creds {
			v := append([]byte{byte(cr.typ) | byte(cr.alg)}, cr.label...)
			data = apdu.AppendTLV(data, oath.TagNameList, v)
		}
		return c.chunk(data)
	case oath.InsSendRemaining:
		if c.remaining == nil {
			return apdu.Response{SW: apdu.SWConditions}
		}
		return c.chunk(c.remaining)
	case oath.InsCalculate:
		return c.calculate(cmd.Data)
	case oath.InsPut:
		return c.put(cmd.Data)
	case oath.InsDelete:
		return c.delete(cmd.Data)
	}
	return apdu.Response{SW: apdu.SWInsNotSupported}
}

func (c *conn) chunk(data []byte) apdu.Response {
	if len(data) <= chunkSize {
		c.remaining = nil
		return apdu.Response{Data: data, SW: apdu.SWSuccess}
	}
	c.remaining = data[chunkSize:]
	left := len(c.remaining)
	if left > 0xFF {
		left = 0
	}
	return apdu.Response{Data: data[:chunkSize], SW: 0x6100 | uint16(left)}
}

func (c *conn) find(label string) int {
	for i, cr := range c.tok.creds {
		if cr.label == label {
			return i
		}
	}
	return -1
}

func (c *conn) calculate(data []byte) apdu.Response {
	tlvs, err := apdu.ParseTLVs(data)
	if err != nil {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	name, ok := apdu.Find(tlvs, oath.TagName)
	if !ok {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	challenge, ok := apdu.Find(tlvs, oath.TagChallenge)
	if !ok || len(challenge) != 8 {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	i := c.find(string(name))
	if i < 0 {
		return apdu.Response{SW: apdu.SWNotFound}
	}
	cr := c.tok.creds[i]
	v := oath.Truncate(cr.key, cr.alg, binary.BigEndian.Uint64(challenge))
	out := make([]byte, 5)
	out[0] = byte(cr.digits)
	binary.BigEndian.PutUint32(out[1:], v)
	return apdu.Response{Data: apdu.AppendTLV(nil, oath.TagTruncated, out), SW: apdu.SWSuccess}
}

func (c *conn) put(data []byte) apdu.Response {
	tlvs, err := apdu.ParseTLVs(data)
	if err != nil {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	name, ok := apdu.Find(tlvs, oath.TagName)
	if !ok || len(name) == 0 || len(name) > oath.MaxLabelLen {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	key, ok := apdu.Find(tlvs, oath.TagKey)
	if !ok || len(key) < 3 {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	typ := oath.Type(key[0] & 0xF0)
	alg := oath.Algorithm(key[0] & 0x0F)
	if (typ != oath.TOTP && typ != oath.HOTP) || !alg.Valid() {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	cr := credential{
		label:  string(name),
		typ:    typ,
		alg:    alg,
		digits: int(key[1]),
		key:    append([]byte(nil), key[2:]...),
	}
	if i := c.find(cr.label); i >= 0 {
		c.tok.creds[i] = cr
		return apdu.Response{SW: apdu.SWSuccess}
	}
	if len(c.tok.creds) >= c.tok.capacity {
		return apdu.Response{SW: apdu.SWNoSpace}
	}
	c.tok.creds = append(c.tok.creds, cr)
	return apdu.Response{SW: apdu.SWSuccess}
}

func (c *conn) delete(data []byte) apdu.Response {
	tlvs, err := apdu.ParseTLVs(data)
	if err != nil {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	name, ok := apdu.Find(tlvs, oath.TagName)
	if !ok {
		return apdu.Response{SW: apdu.SWWrongData}
	}
	i := c.find(string(name))
	if i < 0 {
		return apdu.Response{SW: apdu.SWNotFound}
	}
	c.tok.creds = append(c.tok.creds[:i], c.tok.creds[i+1:]...)
	return apdu.Response{SW: apdu.SWSuccess}
}

func (c *conn) adminCommand(cmd apdu.Command) apdu.Response {
	switch cmd.INS {
	case insUUID:
		return apdu.Response{Data: append([]byte(nil), c.tok.uuid[:]...), SW: apdu.SWSuccess}
	case insVersion:
		out := make([]byte, 4)
		binary.BigEndian.PutUint32(out, c.tok.version)
		return apdu.Response{Data: out, SW: apdu.SWSuccess}
	case insLocked:
		var b byte
		if c.tok.locked {
			b = 1
		}
		return apdu.Response{Data: []byte{b}, SW: apdu.SWSuccess}
	case insWink:
		c.tok.winks++
		return apdu.Response{SW: apdu.SWSuccess}
	}
	return apdu.Response{SW: apdu.SWInsNotSupported}
}
