// SPDX-FileCopyrightText: 2025 The Strawhub Authors
// SPDX-License-Identifier: Apache-2.0

package moderationv1

import (
	"fmt"

	"github.com/sapcc/go-api-declarations/cadf"

	"github.com/strawhub/strawhub/internal/models"
)

// auditRetriggeredScan is an audittools.TargetRenderer.
type auditRetriggeredScan struct {
	SkillName string
	Version   models.SkillVersion
}

// Render implements the audittools.TargetRenderer interface.
func (a auditRetriggeredScan) Render() cadf.Resource {
	return cadf.Resource{
		TypeURI: "service/skill-registry/scan",
		Name:    fmt.Sprintf("%s/%s", a.SkillName, a.Version.Version),
		ID:      fmt.Sprintf("%d", a.Version.ID),
	}
}
