package keystore

import (
	"sort"

	"github.com/zenria/funtonic/internal/domain"
)

func sortExecutorKeys(s []domain.ExecutorKeyEntry) {
	sort.Slice(s, func(i, j int) bool { return s[i].ClientID < s[j].ClientID })
}

func sortAuthorizedKeys(s []domain.AuthorizedKey) {
	sort.Slice(s, func(i, j int) bool { return s[i].KeyID < s[j].KeyID })
}

func sortAdminKeys(s []domain.AdminAuthorizedKey) {
	sort.Slice(s, func(i, j int) bool { return s[i].KeyID < s[j].KeyID })
}
