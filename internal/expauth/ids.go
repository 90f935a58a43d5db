package expauth

import "github.com/google/uuid"

func newGrantID() string {
	return "grant_" + uuid.New().String()
}
