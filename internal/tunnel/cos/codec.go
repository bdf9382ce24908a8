package cos

import (
	"fmt"

	"github.com/danmuck/mdreactor/internal/protocol/tlv"
)

// Filter flags name the groups present in an encoded COS.
const (
	FilterCommon         uint32 = 0x01
	FilterAuthentication uint32 = 0x02
	FilterFlowControl    uint32 = 0x04
	FilterDataIntegrity  uint32 = 0x08
	FilterGuarantee      uint32 = 0x10
)

const (
	fieldFilter uint16 = 1

	fieldMaxMsgSize      uint16 = 100
	fieldMaxFragmentSize uint16 = 101
	fieldSupportFrag     uint16 = 102
	fieldProtocolType    uint16 = 103
	fieldProtocolMajor   uint16 = 104
	fieldProtocolMinor   uint16 = 105
	fieldStreamVersion   uint16 = 106

	fieldAuthType uint16 = 200

	fieldFlowType       uint16 = 300
	fieldRecvWindowSize uint16 = 301

	fieldIntegrityType uint16 = 400

	fieldGuaranteeType uint16 = 500
)

// FilterFlags reports which groups differ from their defaults. The common
// group is always present.
func (c *ClassOfService) FilterFlags() uint32 {
	flags := FilterCommon
	if c.Authentication != AuthNotRequired {
		flags |= FilterAuthentication
	}
	if c.FlowControl.Type != FlowControlNone {
		flags |= FilterFlowControl
	}
	if c.DataIntegrity != DataIntegrityBestEffort {
		flags |= FilterDataIntegrity
	}
	if c.Guarantee.Type != GuaranteeNone {
		flags |= FilterGuarantee
	}
	return flags
}

// Encode writes the COS as a tlv block. Only a provider states the maximum
// message and fragment sizes. Local persistence settings never leave the
// process.
func (c *ClassOfService) Encode(provider bool) []byte {
	flags := c.FilterFlags()
	fields := []tlv.Field{
		tlv.U32(fieldFilter, flags),
		tlv.U8(fieldProtocolType, c.Common.ProtocolType),
		tlv.U8(fieldProtocolMajor, c.Common.ProtocolMajor),
		tlv.U8(fieldProtocolMinor, c.Common.ProtocolMinor),
		tlv.U32(fieldStreamVersion, c.Common.StreamVersion),
	}
	if provider {
		fields = append(fields, tlv.U32(fieldMaxMsgSize, uint32(c.Common.MaxMsgSize)))
		if c.Common.StreamVersion >= CurrentStreamVersion {
			fields = append(fields,
				tlv.U32(fieldMaxFragmentSize, uint32(c.Common.MaxFragmentSize)),
				tlv.Bool(fieldSupportFrag, c.Common.SupportFragmentation),
			)
		}
	}
	if flags&FilterAuthentication != 0 {
		fields = append(fields, tlv.U8(fieldAuthType, uint8(c.Authentication)))
	}
	if flags&FilterFlowControl != 0 {
		fields = append(fields,
			tlv.U8(fieldFlowType, uint8(c.FlowControl.Type)),
			tlv.I32(fieldRecvWindowSize, int32(c.RecvWindow())),
		)
	}
	if flags&FilterDataIntegrity != 0 {
		fields = append(fields, tlv.U8(fieldIntegrityType, uint8(c.DataIntegrity)))
	}
	if flags&FilterGuarantee != 0 {
		fields = append(fields, tlv.U8(fieldGuaranteeType, uint8(c.Guarantee.Type)))
	}
	return tlv.EncodeFields(fields)
}

// Decode reads a COS written by Encode. Groups absent from the filter keep
// their defaults.
func Decode(b []byte) (ClassOfService, error) {
	fields, err := tlv.DecodeFieldsView(b)
	if err != nil {
		return ClassOfService{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c := defaults()
	if _, ok := tlv.GetField(fields, fieldFilter); !ok {
		return ClassOfService{}, fmt.Errorf("%w: missing filter flags", ErrInvalid)
	}
	for _, f := range fields {
		if err := c.apply(f); err != nil {
			return ClassOfService{}, fmt.Errorf("%w: field %d: %v", ErrInvalid, f.ID, err)
		}
	}
	return c, nil
}

func (c *ClassOfService) apply(f tlv.Field) error {
	var (
		u8  uint8
		u32 uint32
		err error
	)
	switch f.ID {
	case fieldMaxMsgSize:
		u32, err = tlv.U32FromBytes(f.Value)
		c.Common.MaxMsgSize = int(u32)
	case fieldMaxFragmentSize:
		u32, err = tlv.U32FromBytes(f.Value)
		c.Common.MaxFragmentSize = int(u32)
	case fieldSupportFrag:
		c.Common.SupportFragmentation, err = tlv.BoolFromBytes(f.Value)
	case fieldProtocolType:
		c.Common.ProtocolType, err = tlv.U8FromBytes(f.Value)
	case fieldProtocolMajor:
		c.Common.ProtocolMajor, err = tlv.U8FromBytes(f.Value)
	case fieldProtocolMinor:
		c.Common.ProtocolMinor, err = tlv.U8FromBytes(f.Value)
	case fieldStreamVersion:
		c.Common.StreamVersion, err = tlv.U32FromBytes(f.Value)
	case fieldAuthType:
		u8, err = tlv.U8FromBytes(f.Value)
		c.Authentication = AuthenticationType(u8)
	case fieldFlowType:
		u8, err = tlv.U8FromBytes(f.Value)
		c.FlowControl.Type = FlowControlType(u8)
	case fieldRecvWindowSize:
		u32, err = tlv.U32FromBytes(f.Value)
		c.FlowControl.RecvWindowSize = int32(u32)
	case fieldIntegrityType:
		u8, err = tlv.U8FromBytes(f.Value)
		c.DataIntegrity = DataIntegrityType(u8)
	case fieldGuaranteeType:
		u8, err = tlv.U8FromBytes(f.Value)
		c.Guarantee.Type = GuaranteeType(u8)
	}
	return err
}
