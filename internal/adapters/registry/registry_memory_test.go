package registry_test

import (
	"context"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/pitwall/internal/adapters/registry"
	"github.com/okian/pitwall/internal/domain/identity"
	"github.com/okian/pitwall/internal/domain/model"
)

func TestInMemoryRegistry(t *testing.T) {
	Convey("Given registered accounts", t, func() {
		ctx := context.Background()
		r := registry.NewInMemory(
			model.Account{ID: "1", FirstName: "Diego", LastName: "Soto", ExternalID: "P-1"},
			model.Account{ID: "2", FirstName: "Ana", LastName: "Ruiz", Alias: "Speedy"},
		)

		Convey("Accounts are found by id and external id", func() {
			a, err := r.Get(ctx, "1")
			So(err, ShouldBeNil)
			So(a.FirstName, ShouldEqual, "Diego")

			a, err = r.FindByExternalID(ctx, "P-1")
			So(err, ShouldBeNil)
			So(a.ID, ShouldEqual, "1")

			_, err = r.FindByExternalID(ctx, "")
			So(err, ShouldEqual, identity.ErrAccountNotFound)
			_, err = r.Get(ctx, "9")
			So(err, ShouldEqual, identity.ErrAccountNotFound)
		})

		Convey("Name lookups apply the alias rule", func() {
			found, err := r.FindByNameParts(ctx, identity.NameParts{First: "diego", Last: "soto", Alias: "diego soto"})
			So(err, ShouldBeNil)
			So(found, ShouldHaveLength, 1)

			found, err = r.FindByNameParts(ctx, identity.NameParts{First: "Ana", Last: "Ruiz", Alias: "Ana Ruiz"})
			So(err, ShouldBeNil)
			So(found, ShouldBeEmpty)
		})
	})
}
