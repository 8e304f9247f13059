// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package skillsv1

import (
	"fmt"

	"github.com/sapcc/go-api-declarations/cadf"

	"github.com/strawhub/strawhub/internal/models"
)

// auditPublishedVersion is an audittools.TargetRenderer.
type auditPublishedVersion struct {
	SkillName string
	Version   models.SkillVersion
}

// Render implements the audittools.TargetRenderer interface.
func (a auditPublishedVersion) Render() cadf.Resource {
	return cadf.Resource{
		TypeURI: "service/skill-registry/version",
		Name:    fmt.Sprintf("%s/%s", a.SkillName, a.Version.Version),
		ID:      fmt.Sprintf("%d", a.Version.ID),
	}
}
