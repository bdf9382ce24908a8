package tunnel

import (
	"fmt"

	"github.com/danmuck/mdreactor/internal/auth"
	"github.com/danmuck/mdreactor/internal/protocol"
	"github.com/danmuck/mdreactor/internal/protocol/tlv"
	"github.com/danmuck/mdreactor/internal/tunnel/cos"
	"github.com/danmuck/mdreactor/internal/tunnel/wire"
)

// Open request and refresh bodies are tlv blocks.
const (
	bodyFieldCOS   uint16 = 1
	bodyFieldUser  uint16 = 2
	bodyFieldToken uint16 = 3
	bodyFieldAppID uint16 = 4
)

func encodeOpenBody(c *cos.ClassOfService, provider bool, login *auth.Login) []byte {
	fields := []tlv.Field{tlv.Bytes(bodyFieldCOS, c.Encode(provider))}
	if login != nil {
		fields = append(fields,
			tlv.String(bodyFieldUser, login.UserName),
			tlv.String(bodyFieldToken, login.Token),
		)
		if login.ApplicationID != "" {
			fields = append(fields, tlv.String(bodyFieldAppID, login.ApplicationID))
		}
	}
	return tlv.EncodeFields(fields)
}

func decodeOpenBody(b []byte) (cos.ClassOfService, *auth.Login, error) {
	fields, err := tlv.DecodeFieldsView(b)
	if err != nil {
		return cos.ClassOfService{}, nil, fmt.Errorf("%w: open body: %v", ErrProtocol, err)
	}
	f, ok := tlv.GetField(fields, bodyFieldCOS)
	if !ok {
		return cos.ClassOfService{}, nil, fmt.Errorf("%w: open body without class of service", ErrProtocol)
	}
	c, err := cos.Decode(f.Value)
	if err != nil {
		return cos.ClassOfService{}, nil, err
	}
	user, hasUser := tlv.GetField(fields, bodyFieldUser)
	token, hasToken := tlv.GetField(fields, bodyFieldToken)
	if !hasUser && !hasToken {
		return c, nil, nil
	}
	login := &auth.Login{UserName: string(user.Value), Token: string(token.Value)}
	if app, ok := tlv.GetField(fields, bodyFieldAppID); ok {
		login.ApplicationID = string(app.Value)
	}
	return c, login, nil
}

// IsOpenRequest reports whether m is a consumer's tunnel stream open
// request rather than an ordinary item request.
func IsOpenRequest(m *protocol.Msg) bool {
	if m.Class != protocol.ClassRequest || !m.Is(protocol.FlagPrivateStream) {
		return false
	}
	_, ok := wire.DecodeInit(m)
	return ok
}
