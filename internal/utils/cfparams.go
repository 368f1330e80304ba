package utils

import (
	"maps"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

const redacted = "****"

// MergeParameters merges multiple parameter maps with later maps having higher precedence
// Returns a CloudFormation parameter list sorted by key
func MergeParameters(pp ...map[string]string) []types.Parameter {
	m := map[string]string{}
	for _, p := range pp {
		maps.Copy(m, p)
	}

	results := make([]types.Parameter, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		results = append(results, types.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(m[k]),
		})
	}

	return results
}

// RedactParameters flattens params for logging. Values of the named secret
// parameters are masked; an empty secret stays empty so a missing value is
// still visible.
func RedactParameters(params []types.Parameter, secrets ...string) map[string]string {
	out := make(map[string]string, len(params))
	for _, p := range params {
		key, value := aws.ToString(p.ParameterKey), aws.ToString(p.ParameterValue)
		if value != "" && slices.Contains(secrets, key) {
			value = redacted
		}
		out[key] = value
	}
	return out
}
