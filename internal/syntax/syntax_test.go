package syntax_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rudnitski/healthup-resolver/internal/model"
	"github.com/rudnitski/healthup-resolver/internal/syntax"
)

func TestValidateCode(t *testing.T) {
	valid := []string{"FER", "HBA1C", "VIT_D_25OH", "ALT", "CA19_9"}
	for _, c := range valid {
		assert.NoError(t, syntax.ValidateCode(c), c)
	}

	invalid := []string{"", "fer", "1FER", "FER RITIN", "FER-RITIN", "F", "TOOLONGCODENAME_X"}
	for _, c := range invalid {
		assert.Error(t, syntax.ValidateCode(c), c)
	}
}

func TestValidateUnit(t *testing.T) {
	valid := []string{"g/l", "mmol/l", "10*9/l", "10*12/l", "%", "u/l", "mg/dl", "ng/ml", "mm/h", "fl", "pg"}
	for _, u := range valid {
		assert.NoError(t, syntax.ValidateUnit(u), u)
	}

	invalid := []string{"", "G/L", "mmol//l", "/l", "g/", "10*/l", "mmol l"}
	for _, u := range invalid {
		assert.Error(t, syntax.ValidateUnit(u), u)
	}
}

func TestValidateUnitCaretIsNeverCoerced(t *testing.T) {
	err := syntax.ValidateUnit("10^9/l")
	assert.ErrorIs(t, err, syntax.ErrCaretExponent)
}

func TestValidateProposal(t *testing.T) {
	unit := "ug/l"
	assert.NoError(t, syntax.ValidateProposal(model.KindAnalyte, "FER", &unit))
	assert.NoError(t, syntax.ValidateProposal(model.KindUnit, "10*9/l", nil))
	assert.Error(t, syntax.ValidateProposal(model.KindUnit, "10^9/l", nil))

	bad := "10^9/l"
	assert.Error(t, syntax.ValidateProposal(model.KindAnalyte, "FER", &bad))
}
