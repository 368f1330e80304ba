package constants

// Names shared between the deploy CLI, the CloudFormation template and the
// chatbot function.
const (
	// StackName is the fixed CloudFormation stack the deployer creates or updates
	StackName = "chatbot-stack"

	// TableName is the DynamoDB table that holds chatbot query logs
	TableName = "ChatbotQueryLogs"

	// EndpointOutputKey is the stack output that carries the public endpoint URL
	EndpointOutputKey = "ApiEndpoint"

	// FunctionArchivePrefix and LayerArchivePrefix name the two archive families
	FunctionArchivePrefix = "lambda_package"
	LayerArchivePrefix    = "lambda_layer"

	// ManagedByTag is applied to every stack this tool creates
	ManagedByTag = "chatbot-deployer"

	// LayerConfigFile is the dotenv file the layer of a compiled function
	// carries; Lambda mounts it at LayerConfigPath
	LayerConfigFile = "chatbot.env"
	LayerConfigPath = "/opt/" + LayerConfigFile
)

// Template parameter names. The template must declare each of these.
const (
	ParamAPIKey     = "OpenWeatherApiKey"
	ParamTableName  = "DynamoDBTableName"
	ParamBucketName = "S3BucketName"
	ParamLambdaKey  = "LambdaS3Key"
	ParamLayerKey   = "LayerS3Key"
)

// State file keys written after a verified deployment.
const (
	StateEndpoint    = "API_ENDPOINT"
	StateFunctionKey = "LAMBDA_S3_KEY"
	StateLayerKey    = "LAYER_S3_KEY"
)

// RequiredParameters lists every template parameter the deployer supplies.
var RequiredParameters = []string{
	ParamAPIKey,
	ParamTableName,
	ParamBucketName,
	ParamLambdaKey,
	ParamLayerKey,
}
