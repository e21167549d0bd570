package designflow

import "go.jetify.com/typeid"

// NewSessionID returns a new unique session identifier.
func NewSessionID() string {
	id, err := typeid.WithPrefix("session")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewCheckpointID returns a new unique checkpoint identifier.
func NewCheckpointID() string {
	id, err := typeid.WithPrefix("ckpt")
	if err != nil {
		panic(err)
	}
	return id.String()
}
