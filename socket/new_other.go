//go:build !unix

package socket

func newDefault(domain Domain, typ Type, proto Protocol) (Endpoint, error) {
	s, err := NewManaged(domain, typ, proto)
	if err != nil {
		return nil, err
	}
	return s, nil
}
