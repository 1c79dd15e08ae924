package escrow

import (
	"dealpay/apperrors"
	"dealpay/models"
)

type role int

const (
	roleBusiness role = iota + 1
	roleAthlete
	roleEither
)

func (r role) String() string {
	switch r {
	case roleBusiness:
		return "business"
	case roleAthlete:
		return "athlete"
	default:
		return "business or athlete"
	}
}

func authorize(d *models.Deal, actor string, r role) error {
	ok := false
	switch r {
	case roleBusiness:
		ok = actor == d.BusinessID
	case roleAthlete:
		ok = actor == d.AthleteID
	case roleEither:
		ok = actor == d.BusinessID || actor == d.AthleteID
	}
	if actor == "" || !ok {
		return apperrors.Newf(apperrors.KindForbidden, "only the deal's %s may do this", r)
	}
	return nil
}
